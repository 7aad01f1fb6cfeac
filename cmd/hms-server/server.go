package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/admin"
	"github.com/hms/hms/internal/domain/prescription"
	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/cache"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/scheduling"
	"github.com/hms/hms/internal/platform/telemetry"
)

// app holds the long-lived dependencies shared by the router and the
// background jobs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	store   *auth.PGStore
	auth    *auth.Service
	events  audit.Emitter
	metrics *telemetry.Metrics
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	metrics.ObservePool(pool)

	dispatcher := audit.NewDispatcher(logger, cfg.SecurityEventBuffer,
		[]audit.Sink{audit.NewPGSink(pool), audit.NewLogSink(logger)},
		audit.WithDropHook(metrics.SecurityEventDropped))

	var rdb *redis.Client
	if !cfg.UseInMemoryStores() {
		rdb, err = cache.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	store := auth.NewPGStore(pool)
	svc, cleanup, err := newAuthService(ctx, cfg, logger, store,
		withRedis(rdb),
		auth.WithEvents(dispatcher),
		auth.WithRecorder(metrics))
	if err != nil {
		return err
	}
	defer cleanup()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		redis:   rdb,
		store:   store,
		auth:    svc,
		events:  dispatcher,
		metrics: metrics,
	}
	e := newRouter(a)

	scheduler := scheduling.New(logger)
	if err := scheduler.Add(scheduling.SessionGC(cfg.SessionGCSchedule, svc, metrics.SessionsPurged)); err != nil {
		return err
	}
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("security event flush")
	}
	return nil
}

// withRedis selects the Redis-backed session cache, revocation registry and
// challenge store. A nil client leaves the in-memory defaults in place.
func withRedis(client *redis.Client) auth.Option {
	return func(s *auth.Service) {
		if client == nil {
			return
		}
		auth.WithSessionCache(auth.NewRedisSessionCache(client))(s)
		auth.WithRevocationRegistry(auth.NewRedisRevocationRegistry(client))(s)
		auth.WithChallengeStore(auth.NewRedisChallengeStore(client))(s)
	}
}

// newAuthService builds the auth core from cfg. The returned cleanup stops
// the in-memory revocation sweeper when no Redis client was supplied.
func newAuthService(_ context.Context, cfg *config.Config, logger zerolog.Logger, store auth.Store, opts ...auth.Option) (*auth.Service, func(), error) {
	tokens, err := auth.NewTokenIssuer([]byte(cfg.AuthSigningKey), cfg.AuthIssuer)
	if err != nil {
		return nil, nil, fmt.Errorf("token issuer: %w", err)
	}

	cleanup := func() {}
	base := []auth.Option{
		auth.WithLifetimes(cfg.SessionTTL, cfg.RefreshTTL, cfg.MFAChallengeTTL),
		auth.WithMFAIssuer(cfg.MFAIssuer),
		auth.WithLogger(logger),
	}
	if cfg.UseInMemoryStores() {
		revocations := auth.NewMemoryRevocationRegistry(time.Minute)
		base = append(base,
			auth.WithSessionCache(auth.NewMemorySessionCache(0, cfg.SessionTTL)),
			auth.WithRevocationRegistry(revocations),
			auth.WithChallengeStore(auth.NewMemoryChallengeStore()))
		cleanup = revocations.Close
	}

	return auth.NewService(store, tokens, append(base, opts...)...), cleanup, nil
}

func newRouter(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = auth.ErrorHandler(a.logger)

	// Recovery sits inside Logger so recovered panics are logged with their
	// final status.
	e.Use(middleware.RequestID())
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	e.Use(auth.Authenticate(a.auth, auth.AuthSkipper))

	limit := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		limit.RequestsPerSecond = cfg.RateLimitRPS
		limit.BurstSize = cfg.RateLimitBurst
	}
	limit.KeyFunc = middleware.ClientKey
	e.Use(middleware.RateLimit(limit))
	e.Use(middleware.Audit(a.logger))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/health/cache", cache.HealthHandler(a.redis))
	e.GET("/metrics", a.metrics.Handler())

	// Auth
	loginLimit := middleware.DefaultRateLimitConfig()
	loginLimit.RequestsPerSecond = cfg.LoginRateLimitRPS
	loginLimit.BurstSize = cfg.LoginRateLimitBurst
	if loginLimit.RequestsPerSecond <= 0 || loginLimit.BurstSize <= 0 {
		loginLimit.RequestsPerSecond, loginLimit.BurstSize = 1, 10
	}
	auth.NewHandler(a.auth).RegisterRoutes(e.Group("/auth"), middleware.RateLimit(loginLimit))

	// API
	authz := auth.NewAuthorizer(a.store,
		auth.WithAuthorizerEvents(a.events),
		auth.WithAuthorizerRecorder(a.metrics),
		auth.WithAuthorizerLogger(a.logger))
	api := e.Group("/api/v1")

	adminSvc := admin.NewService(admin.NewTenantRepo(a.pool), admin.NewStaffRepo(a.pool), admin.NewRoleRepo(a.pool), a.auth)
	adminSvc.SetEvents(a.events)
	adminSvc.SetLogger(a.logger)
	admin.NewHandler(adminSvc).RegisterRoutes(api, authz)

	prescription.NewHandler(prescription.NewService(prescription.NewRepo(a.pool))).RegisterRoutes(api, authz)

	return e
}
