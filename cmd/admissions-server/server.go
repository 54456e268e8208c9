package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/admissions/internal/domain/capacity"
	"github.com/ehr/admissions/internal/domain/ward"
	"github.com/ehr/admissions/internal/platform/auth"
	"github.com/ehr/admissions/internal/platform/db"
	"github.com/ehr/admissions/internal/platform/middleware"
	"github.com/ehr/admissions/internal/platform/telemetry"
	"github.com/ehr/admissions/internal/platform/webhook"
	"github.com/ehr/admissions/internal/platform/websocket"
)

const version = "0.1.0"

// server is the assembled HTTP surface plus the background workers that
// serve routes.
type server struct {
	echo       *echo.Echo
	service    *ward.Service
	monitor    *capacity.Monitor
	dispatcher *capacity.Dispatcher
	hub        *websocket.Hub
	telemetry  *telemetry.TelemetryProvider
}

func buildServer(a *app, signingKey []byte) (*server, error) {
	cfg := a.cfg
	logger := a.logger

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "admissions-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		RuntimeMetrics: true,
	})
	hub := websocket.NewHub(logger)

	svc := ward.NewService(a.store, nil, logger)
	svc.SetEventPublisher(hub)

	settings := a.settingsStore()
	monitor := capacity.NewMonitor(a.store, a.capacityDefaults(),
		capacity.WithSettingsStore(settings),
		capacity.WithEventBuffer(cfg.CapacityEventBuffer),
		capacity.WithLogger(logger),
	)
	metrics, err := capacity.NewMetrics(tp.Registerer(), monitor)
	if err != nil {
		return nil, err
	}
	subs := []capacity.Subscriber{
		capacity.LogSubscriber{Logger: logger},
		metrics,
		capacity.HubSubscriber{Publisher: hub},
		capacity.AlarmSubscriber{Monitor: monitor, Alarm: capacity.HubAlarm(hub)},
	}
	if a.redis != nil {
		subs = append(subs, capacity.NewStreamSubscriber(a.redis, cfg.RedisStreamMax))
	}
	if len(cfg.WebhookURLs) > 0 {
		endpoints, err := webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret, []string{"capacity.*"})
		if err != nil {
			return nil, err
		}
		sender := webhook.NewSender(endpoints, webhook.WithRetryDelays(500*time.Millisecond, 2*time.Second))
		subs = append(subs, capacity.WebhookSubscriber{Sender: sender})
	}
	dispatcher := capacity.NewDispatcher(logger, subs...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: signingKey,
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	// Health and metrics
	probes := []db.Probe{{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := a.store.CountUnits(ctx)
			return err
		},
	}}
	if a.redis != nil {
		probes = append(probes, db.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(
			func() *db.PoolStats { return db.GetPoolStats(pool) },
			append([]db.Probe{db.PoolProbe(pool)}, probes[1:]...)...,
		))
	} else {
		e.GET("/health/db", db.HealthHandler(nil, probes...))
	}
	e.GET("/metrics", tp.PrometheusHandler())

	// Live updates
	wsGroup := e.Group("")
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(wsGroup)

	// API
	apiV1 := e.Group("/api/v1")
	if a.pool != nil {
		apiV1.Use(db.ConnMiddleware(a.pool, cfg.DBSchema))
	}
	ward.NewHandler(svc).RegisterRoutes(apiV1, nil)
	capacity.NewHandler(monitor, settings).RegisterRoutes(apiV1, nil)

	return &server{
		echo:       e,
		service:    svc,
		monitor:    monitor,
		dispatcher: dispatcher,
		hub:        hub,
		telemetry:  tp,
	}, nil
}

// startBackground runs the capacity dispatcher and monitor, and the pool
// gauges when a database pool is open.
func (s *server) startBackground(ctx context.Context, a *app) error {
	go s.dispatcher.Run(ctx, s.monitor.Events())
	if a.pool != nil {
		pool := a.pool
		go s.telemetry.HealthMetrics().WatchPool(ctx, 15*time.Second, func() telemetry.PoolStats {
			return pool.Stat()
		})
	}
	return s.monitor.Start(ctx)
}

func (s *server) shutdown(ctx context.Context) error {
	s.monitor.Stop()
	err := s.echo.Shutdown(ctx)
	if terr := s.telemetry.Shutdown(ctx); err == nil {
		err = terr
	}
	return err
}
