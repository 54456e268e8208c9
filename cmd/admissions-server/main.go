package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/admissions/internal/config"
	"github.com/ehr/admissions/internal/domain/capacity"
	"github.com/ehr/admissions/internal/domain/ward"
	"github.com/ehr/admissions/internal/platform/auth"
	"github.com/ehr/admissions/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "admissions-server",
		Short: "Hospital bed allocation and referral server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(facilityCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, opens the app and runs fn against it.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, os.Stderr)
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				n, err := m.Up(cmd.Context())
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", n, m.Schema())
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Schema: %s\n\n", m.Schema())
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state = "applied"
						if s.AppliedAt != nil {
							at = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func withMigrator(ctx context.Context, fn func(m *db.Migrator) error) error {
	return withApp(ctx, func(a *app) error {
		if a.pool == nil {
			return fmt.Errorf("migrations require STORE_DRIVER=%s; the %s store creates its own tables", config.DriverPostgres, a.cfg.StoreDriver)
		}
		m, err := db.NewMigrator(a.pool, a.migrationsFS(), a.cfg.DBSchema)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage facilities",
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a facility with its floors, rooms and units",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			typ, _ := cmd.Flags().GetString("type")
			floors, _ := cmd.Flags().GetInt("floors")
			beds, _ := cmd.Flags().GetInt("beds")
			rooms, _ := cmd.Flags().GetInt("rooms")
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			ft, err := ward.ParseFacilityType(typ)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				svc := ward.NewService(a.store, nil, a.logger)
				f, err := svc.ProvisionFacility(cmd.Context(), ward.RoleAdmin, ward.ProvisionRequest{
					Name:          name,
					Type:          ft,
					Floors:        floors,
					BedsPerFloor:  beds,
					RoomsPerFloor: rooms,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	provisionCmd.Flags().String("name", "", "Facility name")
	provisionCmd.Flags().String("type", "WARD", "Facility type (ER, WARD, ICU or PACU)")
	provisionCmd.Flags().Int("floors", 1, "Number of floors")
	provisionCmd.Flags().Int("beds", 10, "Beds per floor")
	provisionCmd.Flags().Int("rooms", 5, "Rooms per floor")

	cmd.AddCommand(provisionCmd)
	return cmd
}

func capacityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Capacity monitoring commands",
	}

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Take one occupancy sample and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				store := a.settingsStore()
				settings, err := store.Load(cmd.Context())
				if err != nil {
					a.logger.Warn().Err(err).Msg("using default capacity settings")
				}
				m := capacity.NewMonitor(a.store, settings, capacity.WithLogger(a.logger))
				snap, err := m.SampleOnce(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	cmd.AddCommand(sampleCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token commands",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				subject = uuid.NewString()
			}
			for _, r := range roles {
				if _, err := ward.ParseRole(r); err != nil {
					return err
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			key, ephemeral, err := resolveSigningKey(cfg)
			if err != nil {
				return err
			}
			if ephemeral {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set; a token signed with a random key would be useless")
			}
			token, err := issueToken(cfg, key, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Token subject (defaults to a random id)")
	issueCmd.Flags().StringSlice("roles", []string{"nurse"}, "Roles granted by the token")
	issueCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")

	cmd.AddCommand(issueCmd)
	return cmd
}

func issueToken(cfg *config.Config, key []byte, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return auth.IssueToken(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: key,
	}, claims)
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		logger := a.logger
		key, ephemeral, err := resolveSigningKey(a.cfg)
		if err != nil {
			return err
		}
		if ephemeral {
			logger.Warn().Msg("AUTH_SIGNING_KEY not set; using a random key, issued tokens will not survive a restart")
		}

		srv, err := buildServer(a, key)
		if err != nil {
			return err
		}
		if err := srv.startBackground(ctx, a); err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			addr := ":" + a.cfg.Port
			logger.Info().Str("addr", addr).Str("store", a.cfg.StoreDriver).Msg("starting server")
			var err error
			if a.cfg.TLSEnabled {
				err = srv.echo.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
			} else {
				err = srv.echo.Start(addr)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			logger.Error().Err(err).Msg("server error")
			srv.monitor.Stop()
			return err
		}

		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info().Msg("server stopped")
		return nil
	})
}
