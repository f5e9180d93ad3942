package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/auth"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logger"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
	"github.com/hackgods/caregiver-scheduling/internal/seed"
)

func main() {
	caregivers := flag.Int("caregivers", 20, "number of caregivers")
	clients := flag.Int("clients", 200, "number of clients")
	days := flag.Int("days", 14, "availability days per caregiver, starting tomorrow")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed dev tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New(logger.Options{Service: "seed", Level: cfg.LogLevel, Pretty: true, File: cfg.LogFile})
	if cfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Msg("seed needs STORAGE_DRIVER=postgres, use api-server serve --demo for memory storage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	repo := scheduling.NewPgRepository(pool)
	svc := scheduling.NewService(repo, redisclient.NewLocalLocker(), cfg, log)

	log.Info().Int("caregivers", *caregivers).Int("clients", *clients).Int("days", *days).Msg("seed starting")
	res, err := seed.Run(ctx, repo, svc, seed.Options{
		Caregivers: *caregivers,
		Clients:    *clients,
		Days:       *days,
		From:       time.Now().AddDate(0, 0, 1),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}
	log.Info().Int("slots", res.Slots).Msg("seed complete")

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
	printToken(tokens, res.Admin, *tokenTTL)
	if len(res.Caregivers) > 0 {
		printToken(tokens, res.Caregivers[0], *tokenTTL)
	}
	if len(res.Clients) > 0 {
		printToken(tokens, res.Clients[0], *tokenTTL)
	}
}

func printToken(tokens *auth.Tokens, u scheduling.User, ttl time.Duration) {
	token, err := tokens.Issue(scheduling.Actor{UserID: u.ID, Role: u.Role, Name: u.Name}, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token for %s: %v\n", u.Name, err)
		return
	}
	fmt.Printf("%-9s %s %-28s %s\n", u.Role, u.ID, u.Name, token)
}
