package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Probe is a named dependency check for the health endpoints.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// PoolProbe checks the pool with a ping.
func PoolProbe(pool *pgxpool.Pool) Probe {
	return Probe{Name: "database", Check: pool.Ping}
}

// HealthHandler runs every probe with a 5s budget and answers 200 when all
// pass, 503 otherwise. stats, when non-nil, adds pool statistics.
func HealthHandler(stats func() *PoolStats, probes ...Probe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(probes))
		healthy := true
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				healthy = false
				checks[p.Name] = err.Error()
				continue
			}
			checks[p.Name] = "ok"
		}

		body := map[string]interface{}{"status": "healthy", "checks": checks}
		if stats != nil {
			s := stats()
			s.Healthy = s.Healthy && healthy
			body["pool"] = s
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
