package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisPoolSize       int           `mapstructure:"REDIS_POOL_SIZE"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	SessionTTL          time.Duration `mapstructure:"SESSION_TTL"`
	RefreshTTL          time.Duration `mapstructure:"REFRESH_TTL"`
	MFAChallengeTTL     time.Duration `mapstructure:"MFA_CHALLENGE_TTL"`
	MFAIssuer           string        `mapstructure:"MFA_ISSUER"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	LoginRateLimitRPS   float64       `mapstructure:"LOGIN_RATE_LIMIT_RPS"`
	LoginRateLimitBurst int           `mapstructure:"LOGIN_RATE_LIMIT_BURST"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	SecurityEventBuffer int           `mapstructure:"SECURITY_EVENT_BUFFER"`
	SessionGCSchedule   string        `mapstructure:"SESSION_GC_SCHEDULE"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	TLSEnabled          bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string        `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_POOL_SIZE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "SESSION_TTL", "REFRESH_TTL",
	"MFA_CHALLENGE_TTL", "MFA_ISSUER",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LOGIN_RATE_LIMIT_RPS", "LOGIN_RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"BODY_LIMIT",
	"SECURITY_EVENT_BUFFER", "SESSION_GC_SCHEDULE", "MIGRATIONS_DIR",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_POOL_SIZE", 20)
	v.SetDefault("AUTH_ISSUER", "hms")
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("REFRESH_TTL", "168h")
	v.SetDefault("MFA_CHALLENGE_TTL", "5m")
	v.SetDefault("MFA_ISSUER", "HMS")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LOGIN_RATE_LIMIT_RPS", 1)
	v.SetDefault("LOGIN_RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SECURITY_EVENT_BUFFER", 1024)
	v.SetDefault("SESSION_GC_SCHEDULE", "@every 15m")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.RedisURL == "" {
		log.Println("WARNING: REDIS_URL is not set; sessions, revocations and MFA challenges are held in process memory.")
		log.Println("WARNING: Do NOT run more than one replica with this configuration.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseInMemoryStores reports whether session state should live in process
// memory instead of Redis.
func (c *Config) UseInMemoryStores() bool {
	return c.RedisURL == ""
}

// Validate checks that the configuration is safe to run. Outside development
// a shared Redis is required because revocations must be visible to every
// replica, and the signing key must be long enough for HS256.
func (c *Config) Validate() error {
	if c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required")
	}
	if c.IsProduction() {
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production, got %d", len(c.AuthSigningKey))
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RefreshTTL < c.SessionTTL {
		return fmt.Errorf("REFRESH_TTL (%s) must not be shorter than SESSION_TTL (%s)", c.RefreshTTL, c.SessionTTL)
	}
	if c.MFAChallengeTTL <= 0 {
		return fmt.Errorf("MFA_CHALLENGE_TTL must be positive, got %s", c.MFAChallengeTTL)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
