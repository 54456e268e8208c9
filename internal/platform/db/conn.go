package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name is safe to interpolate as a schema name.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// ConnMiddleware acquires a pooled connection per request, pins its
// search_path to schema and stores it in the request context. Repositories
// pick it up through ConnFromContext.
func ConnMiddleware(pool *pgxpool.Pool, schema string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !ValidSchema(schema) {
				return echo.NewHTTPError(http.StatusInternalServerError, "invalid schema")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}
