package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oggyb/battle-engine/internal/app"
	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/cache"
	"github.com/oggyb/battle-engine/internal/config"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/repository"
	"github.com/oggyb/battle-engine/internal/server"
	"github.com/oggyb/battle-engine/internal/service/battles"
	"github.com/oggyb/battle-engine/internal/sweeper"
)

func main() {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L() // slog.Logger pointer

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return
	}

	if cfg.App.ENV == "development" {
		if err := db.SeedTestData(database, time.Now().UTC()); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	// Live updates
	hub := broadcast.New(logger.Named(log, "broadcast"), 1024)
	go hub.Run(ctx)

	// Engine
	engine := battle.NewService(battle.Deps{
		Store: repository.NewBattleRepository(database),
		Notifier: notify.Multi{
			notify.NewRedisQueue(redisCache.Client, notify.DefaultQueue),
			notify.LogNotifier{Logger: logger.Named(log, "notify")},
		},
		Publisher: hub,
		Tallies:   redisCache,
		Logger:    logger.Named(log, "battle"),
	}, battle.Options{
		VotingWindow:  cfg.Battle.VotingWindow,
		AcceptWindow:  cfg.Battle.AcceptWindow,
		TallyCacheTTL: cfg.Battle.TallyCacheTTL,
	})

	// Sweeper
	sweepOpts := sweeper.Options{
		Interval:  cfg.Sweep.Interval,
		BatchSize: cfg.Sweep.BatchSize,
		LockTTL:   cfg.Sweep.LockTTL,
	}
	if cfg.Sweep.UseLock {
		sweepOpts.Locker = cache.NewLocker(redisCache)
	}
	sweep := sweeper.New(engine, sweepOpts, logger.Named(log, "sweeper"))
	sweep.Start(ctx)
	defer sweep.Stop()

	// Inject dependencies into app context
	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	appCtx := app.New(cfg, database, redisCache, log).
		WithBattles(engine, hub).
		WithTokens(tokens)

	battleRegistrar := battles.NewRegistrar(appCtx)

	// gRPC
	grpcServer := server.NewGRPCServer(tokens, logger.Named(log, "grpc"), battleRegistrar)
	lis, err := server.Listen(cfg)
	if err != nil {
		log.Error("failed to start gRPC server", "err", err)
		return
	}
	go func() {
		log.Info("starting gRPC server", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server stopped", "err", err)
			stop()
		}
	}()

	// HTTP (health, battle view, websockets)
	httpServer := server.NewHTTPServer(appCtx, server.NewRouter(appCtx, battleRegistrar))
	go func() {
		log.Info("starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "err", err)
	}
	grpcServer.Stop()
}
