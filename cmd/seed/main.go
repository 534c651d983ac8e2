package main

import (
	"fmt"
	"os"
	"time"

	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/config"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.New()
	logger.InitFromConfig(cfg)

	database, err := db.NewDB(cfg)
	if err != nil {
		logger.Error("failed to init db", "err", err)
		os.Exit(1)
	}

	if err := db.SeedTestData(database, time.Now().UTC()); err != nil {
		logger.Error("failed to seed", "err", err)
		os.Exit(1)
	}

	// dev tokens so the demo users can call the API right away
	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	for _, u := range db.DemoUsers {
		tok, err := tokens.Issue(u)
		if err != nil {
			logger.Error("failed to issue token", "user_id", u, "err", err)
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\n", u, tok)
	}

	logger.Info("seeding completed")
}
