package main

import (
	"context"
	"log"
	"net/http"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/api"
	"github.com/you/jtd/internal/boot"
	"github.com/you/jtd/internal/config"
	"github.com/you/jtd/internal/credit"
	"github.com/you/jtd/internal/health"
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
	ctx := context.Background()

	thresholds := health.Thresholds{
		StaleAfter:         cfg.StaleAfter,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		VisibilityTimeout:  cfg.VisibilityTimeout,
	}

	var server *api.Server
	if cfg.PostgresDSN == "" {
		// dev mode: in-memory store and ledger, no redis, no workers
		logger.Info("no POSTGRES_DSN set, serving from in-memory store")
		mem := storage.NewMem()
		ledger := credit.NewMemLedger()
		topup := credit.NewTopUpService(ledger, mem, nil, logger)
		server = api.NewServer(mem, health.NewService(mem, thresholds), topup, nil, logger)
	} else {
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
		ledger := credit.NewRedisLedger(rdb)
		topup := credit.NewTopUpService(ledger, store, q, logger)
		server = api.NewServer(store, health.NewService(store, thresholds), topup, q, logger)
	}

	server.DefaultMaxRetries = cfg.DefaultMaxRetries
	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, server.Router()); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
