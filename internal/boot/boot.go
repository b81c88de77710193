// Package boot holds the shared process startup plumbing for the api,
// worker and scheduler binaries.
package boot

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/jtd/internal/config"
)

func NewLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(bo, ctx)
}

// ConnectPostgres dials the pool, retrying with exponential backoff so
// a restarting database does not take the process down with it.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := backoff.Retry(func() error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}, connectPolicy(ctx))
	return pool, errors.Wrap(err, "connect postgres")
}

func ConnectRedis(ctx context.Context, cfg config.Config) (*r.Client, error) {
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	err := backoff.Retry(func() error {
		return rdb.Ping(ctx).Err()
	}, connectPolicy(ctx))
	return rdb, errors.Wrap(err, "connect redis")
}

// MigrateUp applies pending goose migrations through the stdlib driver.
func MigrateUp(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open migration conn")
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(db, dir), "run migrations")
}
