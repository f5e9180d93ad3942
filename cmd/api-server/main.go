package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/caregiver-scheduling/internal/api"
	"github.com/hackgods/caregiver-scheduling/internal/auth"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logger"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
	"github.com/hackgods/caregiver-scheduling/internal/seed"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "Caregiver scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, _ := cmd.Flags().GetBool("demo")
			return runServer(demo)
		},
	}
	cmd.Flags().Bool("demo", false, "Seed fake users and availability on start (memory storage only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format(time.DateTime)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.StoragePostgres {
		return errors.New("migrations need STORAGE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func runServer(demo bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}

	log := logger.New(logger.Options{
		Service: "api-server",
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProd(),
		File:    cfg.LogFile,
	})
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("storage", cfg.StorageDriver).
		Str("release_policy", cfg.SlotReleasePolicy).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     scheduling.Repository
		checkers []api.Checker
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres connection error: %w", err)
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")

		repo = scheduling.NewPgRepository(pgPool)
		checkers = append(checkers, api.PostgresChecker(pgPool))
	default:
		repo = scheduling.NewMemRepository()
		log.Warn().Msg("using in-memory storage, data is lost on exit")
	}

	locker := redisclient.NewLocalLocker()
	if cfg.RedisEnabled {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Msg("connected to Redis")

		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		checkers = append(checkers, api.RedisChecker(rdb))
	}

	svc := scheduling.NewService(repo, locker, cfg, log)
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)

	if demo {
		if cfg.StorageDriver != config.StorageMemory {
			return errors.New("--demo needs STORAGE_DRIVER=memory, use the seed command for postgres")
		}
		if err := seedDemo(rootCtx, repo, svc, tokens, log); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:  svc,
			Tokens:   tokens,
			Logger:   log,
			Checkers: checkers,
			Env:      cfg.Env,
			Version:  version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seedDemo(ctx context.Context, users seed.UserStore, svc *scheduling.Service, tokens *auth.Tokens, log zerolog.Logger) error {
	res, err := seed.Run(ctx, users, svc, seed.Options{
		Caregivers: 3,
		Clients:    5,
		Days:       7,
		From:       time.Now().AddDate(0, 0, 1),
	})
	if err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}

	demoUsers := []scheduling.User{res.Admin, res.Caregivers[0], res.Clients[0]}
	for _, u := range demoUsers {
		token, err := tokens.Issue(scheduling.Actor{UserID: u.ID, Role: u.Role, Name: u.Name}, 24*time.Hour)
		if err != nil {
			return err
		}
		log.Info().
			Str("role", string(u.Role)).
			Str("user_id", u.ID.String()).
			Str("name", u.Name).
			Str("token", token).
			Msg("demo user")
	}
	log.Info().Int("slots", res.Slots).Msg("demo data seeded")
	return nil
}
