package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/admissions/internal/config"
	"github.com/ehr/admissions/internal/domain/capacity"
	"github.com/ehr/admissions/internal/domain/ward"
	"github.com/ehr/admissions/internal/platform/db"
	redisplatform "github.com/ehr/admissions/internal/platform/redis"
	"github.com/ehr/admissions/migrations"
)

// app holds the long-lived resources shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  ward.Store
	pool   *pgxpool.Pool
	redis  *redisplatform.Client

	closers []func()
}

func newLogger(env, level string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// openApp connects the configured store and, when REDIS_URL is set, Redis.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = ward.NewPGStore(pool)
		a.closers = append(a.closers, pool.Close)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	case config.DriverSQLite:
		s, err := ward.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, func() { _ = s.Close() })
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
	case config.DriverMemory:
		a.store = ward.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; state is lost on exit")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisURL != "" {
		client, err := redisplatform.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		logger.Info().Msg("connected to redis")
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) capacityDefaults() capacity.Settings {
	return capacity.Settings{
		Thresholds: capacity.Thresholds{
			Warning:  a.cfg.CapacityWarning,
			Critical: a.cfg.CapacityCritical,
		},
		Interval:   a.cfg.CapacityInterval,
		SoundAlert: a.cfg.CapacitySoundAlert,
		Enabled:    a.cfg.CapacityEnabled,
	}.Normalize()
}

// settingsStore persists capacity settings in Redis when available.
func (a *app) settingsStore() capacity.SettingsStore {
	if a.redis != nil {
		return capacity.NewRedisSettings(a.redis, a.capacityDefaults())
	}
	return capacity.NewStaticSettings(a.capacityDefaults())
}

func (a *app) migrationsFS() fs.FS {
	if a.cfg.MigrationsDir != "" {
		return os.DirFS(a.cfg.MigrationsDir)
	}
	return migrations.FS
}

// resolveSigningKey returns the configured token key. Outside production an
// unset key is replaced by a random one; the second return value reports
// that tokens will not survive a restart.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if len(key) > 0 {
		return key, false, nil
	}
	if cfg.IsProduction() {
		return nil, false, fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}
