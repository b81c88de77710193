package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/boot"
	"github.com/you/jtd/internal/config"
	"github.com/you/jtd/internal/dispatch"
	"github.com/you/jtd/internal/queue"
	"github.com/you/jtd/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, err := boot.NewLogger(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required for the scheduler")
	}
	if err := boot.MigrateUp(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	pool, err := boot.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()
	rdb, err := boot.ConnectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	store := storage.New(pool)
	sweeper := dispatch.NewSweeper(store, queue.New(rdb), cfg.VisibilityTimeout, logger)

	logger.Info("scheduler started", zap.Duration("interval", cfg.SchedulerInterval))
	tick := time.NewTicker(cfg.SchedulerInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
			ok, err := store.TryLeaderLock(ctx)
			if err != nil {
				logger.Error("leader lock", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			sweeper.Tick(ctx, time.Now().UTC())
		}
	}
}
