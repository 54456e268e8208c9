// Package telemetry exposes HTTP and process metrics in the Prometheus
// exposition format. Domain packages register their own collectors on the
// provider's registry so everything is served from a single /metrics route.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool `json:"runtime_metrics"`
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "admissions-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for HTTP request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// defaultSizeBuckets are the histogram bucket boundaries (in bytes)
// used for HTTP response size.
var defaultSizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

// TelemetryProvider owns the metrics registry and the HTTP collectors.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize prometheus.Histogram
	active       prometheus.Gauge

	dbActive prometheus.Gauge
	dbIdle   prometheus.Gauge

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider creates the provider and registers the HTTP
// collectors on a fresh registry.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}
	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_server_requests_total",
			Help:        "HTTP requests by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "HTTP request duration.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "http_server_response_size_bytes",
			Help:        "HTTP response size.",
			Buckets:     defaultSizeBuckets,
			ConstLabels: constLabels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "In-flight HTTP requests.",
			ConstLabels: constLabels,
		}),
		dbActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_active_connections",
			Help:        "Acquired database connections.",
			ConstLabels: constLabels,
		}),
		dbIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_idle_connections",
			Help:        "Idle database connections.",
			ConstLabels: constLabels,
		}),
		done: make(chan struct{}),
	}
	tp.registry.MustRegister(tp.requests, tp.duration, tp.responseSize, tp.active, tp.dbActive, tp.dbIdle)
	if cfg.RuntimeMetrics {
		tp.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Registerer is where domain packages register their collectors.
func (tp *TelemetryProvider) Registerer() prometheus.Registerer { return tp.registry }

// Gatherer exposes the registry for tests and the /metrics handler.
func (tp *TelemetryProvider) Gatherer() prometheus.Gatherer { return tp.registry }

// Shutdown gracefully shuts down the telemetry provider.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// HealthMetricsRecorder provides methods to update health-related gauges.
type HealthMetricsRecorder struct {
	tp *TelemetryProvider
}

// HealthMetrics returns a recorder for health-related metrics.
func (tp *TelemetryProvider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) { h.tp.dbActive.Set(float64(n)) }
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64)   { h.tp.dbIdle.Set(float64(n)) }

// PoolStats is the subset of pgxpool.Stat the recorder reads.
type PoolStats interface {
	AcquiredConns() int32
	IdleConns() int32
}

// WatchPool copies pool statistics into the health gauges every interval
// until ctx is done or the provider shuts down.
func (h *HealthMetricsRecorder) WatchPool(ctx context.Context, interval time.Duration, stat func() PoolStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := stat()
		h.SetDBPoolActive(int64(s.AcquiredConns()))
		h.SetDBPoolIdle(int64(s.IdleConns()))
		select {
		case <-ctx.Done():
			return
		case <-h.tp.done:
			return
		case <-ticker.C:
		}
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.active.Inc()
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()
			tp.active.Dec()

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			code := strconv.Itoa(status)

			tp.requests.WithLabelValues(c.Request().Method, route, code).Inc()
			tp.duration.WithLabelValues(c.Request().Method, route, code).Observe(elapsed)
			if size := c.Response().Size; size > 0 {
				tp.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

// PrometheusHandler returns an Echo handler that serves the registry in
// Prometheus text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{
		Registry: tp.registry,
	}))
}
