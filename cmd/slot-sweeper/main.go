package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logger"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(logger.Options{
		Service: "slot-sweeper",
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProd(),
		File:    cfg.LogFile,
	})
	if cfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Str("storage", cfg.StorageDriver).Msg("slot-sweeper needs STORAGE_DRIVER=postgres")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("slot-sweeper starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// PurgeExpiredSlots takes no locks.
	svc := scheduling.NewService(scheduling.NewPgRepository(pgPool), redisclient.NewLocalLocker(), cfg, log)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping slot sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *scheduling.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.PurgeExpiredSlots(runCtx, start)
	if err != nil {
		log.Error().Err(err).Msg("sweep run error")
		return
	}
	log.Info().Int64("purged", n).Dur("took", time.Since(start)).Msg("sweep run complete")
}
