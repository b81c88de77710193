package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/boot"
	"github.com/you/jtd/internal/config"
	"github.com/you/jtd/internal/credit"
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
		logger.Fatal("POSTGRES_DSN is required for the worker")
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
	q := queue.New(rdb)
	gate := credit.NewGate(credit.NewRedisLedger(rdb))
	gate.EstimatedCost = cfg.CreditEstimatedCost
	provider := &dispatch.LogProvider{Log: logger, Cost: 1}

	d := dispatch.NewDispatcher(store, q, gate, provider,
		dispatch.RetryPolicy{Base: cfg.RetryBase, Cap: cfg.RetryCap},
		dispatch.Config{
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			IdleDelay:    cfg.IdleDelay,
		},
		logger,
	)

	logger.Info("dispatcher starting", zap.Int("workers", cfg.Workers))
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("dispatcher", zap.Error(err))
	}
	logger.Info("dispatcher stopped")
}
