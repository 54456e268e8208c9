package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/ehr/admissions/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn evicts idle callers from the limiter store. Zero uses echo's
	// default of three minutes.
	ExpiresIn time.Duration
}

// DefaultRateLimitConfig allows a busy triage desk to poll the floor view
// and dashboard without tripping the limiter.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// callerKey buckets authenticated callers per subject and address, anonymous
// ones per address.
func callerKey(c echo.Context) string {
	key := c.RealIP()
	if sub := auth.UserIDFromContext(c.Request().Context()); sub != "" {
		key = sub + ":" + key
	}
	return key
}

// retryAfterSeconds is the wait for one token to refill, at least a second.
func retryAfterSeconds(rps float64) int {
	if rps <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/rps)))
}

// RateLimit applies a per-caller token bucket backed by echo's in-memory
// limiter store. A non-positive rate disables limiting.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retry := strconv.Itoa(retryAfterSeconds(cfg.RequestsPerSecond))

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return callerKey(c), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", retry)
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
