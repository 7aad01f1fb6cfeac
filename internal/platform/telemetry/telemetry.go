// Package telemetry exposes Prometheus metrics for the HTTP server and the
// authentication subsystem.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hms"

// Metrics holds every collector the server exports. It implements
// auth.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge

	// Auth
	GrantsTotal         *prometheus.CounterVec
	ResolutionsTotal    *prometheus.CounterVec
	AuthorizationsTotal *prometheus.CounterVec

	// Security events
	SecurityEventsDropped prometheus.Counter

	// Sessions
	SessionsPurgedTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),

		GrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "grants_total",
				Help:      "Token endpoint grants by grant type and outcome.",
			},
			[]string{"grant_type", "outcome"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "resolutions_total",
				Help:      "Bearer token resolutions by outcome (cache_hit, store, or an error code).",
			},
			[]string{"outcome"},
		),
		AuthorizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "authorizations_total",
				Help:      "Authorization decisions by check and outcome.",
			},
			[]string{"check", "outcome"},
		),

		SecurityEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "security_events_dropped_total",
			Help:      "Security events dropped because the dispatch queue was full or closed.",
		}),

		SessionsPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "sessions_purged_total",
			Help:      "Expired session rows removed by garbage collection.",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.GrantsTotal,
		m.ResolutionsTotal,
		m.AuthorizationsTotal,
		m.SecurityEventsDropped,
		m.SessionsPurgedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Grant records a token endpoint outcome.
func (m *Metrics) Grant(grantType, outcome string) {
	if grantType == "" {
		grantType = "unknown"
	}
	m.GrantsTotal.WithLabelValues(grantType, outcome).Inc()
}

// Resolve records a bearer token resolution outcome.
func (m *Metrics) Resolve(outcome string) {
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

// Authorization records an RBAC or policy decision.
func (m *Metrics) Authorization(check, outcome string) {
	m.AuthorizationsTotal.WithLabelValues(check, outcome).Inc()
}

// SecurityEventDropped matches the audit dispatcher drop hook.
func (m *Metrics) SecurityEventDropped() {
	m.SecurityEventsDropped.Inc()
}

// SessionsPurged adds n to the purged sessions counter.
func (m *Metrics) SessionsPurged(n int64) {
	if n > 0 {
		m.SessionsPurgedTotal.Add(float64(n))
	}
}

// ObservePool exports connection pool statistics as gauges read at scrape
// time.
func (m *Metrics) ObservePool(pool *pgxpool.Pool) {
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Stat()) })
	}
	m.registry.MustRegister(
		gauge("total_connections", "Total connections in the pool.", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_connections", "Idle connections in the pool.", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("acquired_connections", "Connections currently acquired.", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("max_connections", "Maximum pool size.", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics keyed by route pattern.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.HTTPActiveRequests.Inc()
			defer m.HTTPActiveRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status
				// below is the one the client sees.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
