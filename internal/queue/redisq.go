package queue

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// RedisQ holds the per-tenant ready lists and retry delay sets. The
// database stays authoritative; redis is the fast path workers block on.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func readyKey(tenant string) string { return "jtd:queue:" + tenant }
func delayKey(tenant string) string { return "jtd:delay:" + tenant }

// Enqueue makes an event id claimable now, or parks it in the delay set
// until readyAt (retry backoff re-entry).
func (q *RedisQ) Enqueue(ctx context.Context, tenant, eventID string, readyAt time.Time) error {
	if time.Until(readyAt) > 0 {
		return q.rdb.ZAdd(ctx, delayKey(tenant), r.Z{Score: float64(readyAt.Unix()), Member: eventID}).Err()
	}
	return q.rdb.LPush(ctx, readyKey(tenant), eventID).Err()
}

// Push re-adds ids to the ready list (scheduler reconciliation).
func (q *RedisQ) Push(ctx context.Context, tenant string, eventIDs ...string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range eventIDs {
		pipe.LPush(ctx, readyKey(tenant), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue blocks across all tenants' ready lists for the next id.
// Returns ok=false on timeout.
func (q *RedisQ) Dequeue(ctx context.Context, tenants []string, block time.Duration) (string, bool, error) {
	if len(tenants) == 0 {
		return "", false, nil
	}
	keys := make([]string, len(tenants))
	for i, t := range tenants {
		keys[i] = readyKey(t)
	}
	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if err == r.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(res) == 2 {
		return res[1], true, nil
	}
	return "", false, nil
}

// MoveDue shifts ids whose backoff delay has elapsed from the delay set
// to the ready list.
func (q *RedisQ) MoveDue(ctx context.Context, tenant string, now int64, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(tenant), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(tenant), id)
		pipe.ZRem(ctx, delayKey(tenant), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
