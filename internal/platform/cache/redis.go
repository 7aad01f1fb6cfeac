// Package cache connects to the Redis instance that holds session
// snapshots, revocation marks and MFA challenges.
package cache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
)

// NewRedisClient parses url, applies pool and timeout settings, and pings
// the server before returning.
func NewRedisClient(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// PoolStats mirrors the fields of redis.PoolStats that are useful in a
// health response.
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
}

func GetPoolStats(client *redis.Client) *PoolStats {
	s := client.PoolStats()
	return &PoolStats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
	}
}

// HealthHandler reports whether the session cache is reachable. A nil
// client means the server runs on in-process stores.
func HealthHandler(client *redis.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		if client == nil {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"status": "healthy",
				"mode":   "memory",
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		start := time.Now()
		err := client.Ping(ctx).Err()
		latency := time.Since(start)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"mode":   "redis",
				"error":  "cache unreachable",
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "healthy",
			"mode":       "redis",
			"latency_ms": latency.Milliseconds(),
			"pool":       GetPoolStats(client),
		})
	}
}
