package credit

import (
	"context"

	r "github.com/redis/go-redis/v9"
)

// Ledger is the tenant prepaid-credit balance the gate consults. The
// real ledger lives outside this system; the redis hash is our cached
// view of it.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (float64, error)
	Debit(ctx context.Context, tenantID string, amount float64) error
	Credit(ctx context.Context, tenantID string, amount float64) (float64, error)
}

const ledgerKey = "jtd:credits"

type RedisLedger struct{ rdb *r.Client }

func NewRedisLedger(rdb *r.Client) *RedisLedger { return &RedisLedger{rdb} }

func (l *RedisLedger) Balance(ctx context.Context, tenantID string) (float64, error) {
	v, err := l.rdb.HGet(ctx, ledgerKey, tenantID).Float64()
	if err == r.Nil {
		return 0, nil
	}
	return v, err
}

func (l *RedisLedger) Debit(ctx context.Context, tenantID string, amount float64) error {
	return l.rdb.HIncrByFloat(ctx, ledgerKey, tenantID, -amount).Err()
}

func (l *RedisLedger) Credit(ctx context.Context, tenantID string, amount float64) (float64, error) {
	return l.rdb.HIncrByFloat(ctx, ledgerKey, tenantID, amount).Result()
}

// Gate blocks dispatch for tenants without enough prepaid credit.
type Gate struct {
	ledger Ledger

	// EstimatedCost is the per-event credit estimate checked before a
	// claim. Actual provider cost is debited after a successful send.
	EstimatedCost float64
}

func NewGate(ledger Ledger) *Gate { return &Gate{ledger: ledger, EstimatedCost: 1} }

// Check reports whether the tenant can afford one more dispatch.
func (g *Gate) Check(ctx context.Context, tenantID string) (bool, error) {
	bal, err := g.ledger.Balance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return bal >= g.EstimatedCost, nil
}

func (g *Gate) Settle(ctx context.Context, tenantID string, cost float64) error {
	return g.ledger.Debit(ctx, tenantID, cost)
}
