package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/you/jtd/internal/domain"
)

// MainQueue reports count and oldest age of queued, due events.
func (s *Store) MainQueue(ctx context.Context, now time.Time) (QueueSnapshot, error) {
	return s.snapshot(ctx, now,
		`status='queued' and next_attempt_at<=$1 and purged_at is null`, now.UTC())
}

// DLQ reports count and oldest age of dead-lettered events.
func (s *Store) DLQ(ctx context.Context, now time.Time) (QueueSnapshot, error) {
	return s.snapshot(ctx, now, `status='dead_letter' and purged_at is null`)
}

func (s *Store) snapshot(ctx context.Context, now time.Time, where string, args ...any) (QueueSnapshot, error) {
	var snap QueueSnapshot
	var oldest *time.Time
	err := s.db.QueryRow(ctx,
		`select count(*), min(updated_at) from jtd_events where `+where, args...,
	).Scan(&snap.Length, &oldest)
	if err != nil {
		return snap, errors.Wrap(err, "queue snapshot")
	}
	if oldest != nil {
		snap.OldestAgeSec = now.Sub(*oldest).Seconds()
	}
	return snap, nil
}

// StatusDistribution counts events per status, all time.
func (s *Store) StatusDistribution(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.Query(ctx,
		`select status, count(*) from jtd_events where purged_at is null group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "status distribution")
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ActionableCounts buckets events an operator may need to act on.
func (s *Store) ActionableCounts(ctx context.Context, now time.Time) (Actionable, error) {
	var a Actionable
	err := s.db.QueryRow(ctx, `select
count(*) filter (where status='processing'),
count(*) filter (where status='failed' and retry_count<max_retries),
count(*) filter (where status='scheduled' and scheduled_at<=$1),
count(*) filter (where status='no_credits')
from jtd_events where purged_at is null`, now.UTC(),
	).Scan(&a.CurrentlyProcessing, &a.FailedRetryable, &a.ScheduledDue, &a.NoCreditsWaiting)
	return a, errors.Wrap(err, "actionable counts")
}

// LastDay breaks the trailing 24h of events down by type and channel.
func (s *Store) LastDay(ctx context.Context, now time.Time) (Breakdown24h, error) {
	b := Breakdown24h{ByEventType: map[string]int{}, ByChannel: map[string]int{}}
	since := now.Add(-24 * time.Hour).UTC()

	rows, err := s.db.Query(ctx,
		`select event_type_code, count(*) from jtd_events
where created_at>=$1 and purged_at is null group by 1`, since)
	if err != nil {
		return b, errors.Wrap(err, "24h by type")
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return b, err
		}
		b.ByEventType[k] = n
	}
	if err := rows.Err(); err != nil {
		return b, err
	}

	rows, err = s.db.Query(ctx,
		`select coalesce(channel_code,'unresolved'), count(*) from jtd_events
where created_at>=$1 and purged_at is null group by 1`, since)
	if err != nil {
		return b, errors.Wrap(err, "24h by channel")
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return b, err
		}
		b.ByChannel[k] = n
	}
	return b, rows.Err()
}

// ThroughputStats derives attempt-level throughput and error counts
// from the status history ledger. A history row landing in sent or
// failed is one finished attempt; its duration_seconds is the time the
// attempt spent in processing.
func (s *Store) ThroughputStats(ctx context.Context, now time.Time) (Throughput, error) {
	var t Throughput
	h1 := now.Add(-time.Hour).UTC()
	h24 := now.Add(-24 * time.Hour).UTC()
	err := s.db.QueryRow(ctx, `select
count(*) filter (where to_status='sent' and created_at>=$1),
count(*) filter (where to_status='sent' and created_at>=$2),
coalesce(avg(duration_seconds) filter (where to_status='sent' and created_at>=$2), 0),
count(*) filter (where to_status='failed' and created_at>=$1),
count(*) filter (where to_status='failed' and created_at>=$2)
from jtd_status_history where created_at>=$2`, h1, h24,
	).Scan(&t.SentLast1h, &t.SentLast24h, &t.AvgDurationSec, &t.ErrorsLast1h, &t.ErrorsLast24h)
	if err != nil {
		return t, errors.Wrap(err, "throughput")
	}
	if total := t.SentLast1h + t.ErrorsLast1h; total > 0 {
		t.ErrorRate1h = float64(t.ErrorsLast1h) / float64(total)
	}

	var last *time.Time
	if err := s.db.QueryRow(ctx, `select max(executed_at) from jtd_events`).Scan(&last); err != nil {
		return t, errors.Wrap(err, "last executed")
	}
	t.LastExecutedAt = last
	return t, nil
}

// StuckCount counts processing claims older than the given cutoff.
func (s *Store) StuckCount(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`select count(*) from jtd_events where status='processing' and executed_at<$1`,
		before.UTC()).Scan(&n)
	return n, errors.Wrap(err, "stuck count")
}

var tenantSortCols = map[string]string{
	"tenant_id":    "tenant_id",
	"total_jtds":   "total_jtds",
	"sent":         "sent",
	"failed":       "failed",
	"no_credits":   "no_credits",
	"total_cost":   "total_cost",
	"success_rate": "success_rate",
}

// TenantStatsPage aggregates per-tenant volume, cost and success rate,
// sortable by any aggregate column.
func (s *Store) TenantStatsPage(ctx context.Context, sort TenantStatsSort, page Page) ([]TenantStats, Pagination, error) {
	page = page.normalized()
	col, ok := tenantSortCols[sort.Column]
	if !ok {
		col = "total_jtds"
		sort.Desc = true
	}
	dir := "asc"
	if sort.Desc {
		dir = "desc"
	}

	var total int
	if err := s.db.QueryRow(ctx,
		`select count(distinct tenant_id) from jtd_events where purged_at is null`).Scan(&total); err != nil {
		return nil, Pagination{}, errors.Wrap(err, "count tenants")
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`select tenant_id,
count(*) as total_jtds,
count(*) filter (where status='sent') as sent,
count(*) filter (where status in ('failed','dead_letter')) as failed,
count(*) filter (where status='no_credits') as no_credits,
coalesce(sum(cost) filter (where status='sent'), 0) as total_cost,
case when count(*)=0 then 0
     else count(*) filter (where status='sent')::float / count(*) end as success_rate
from jtd_events where purged_at is null group by tenant_id
order by %s %s, tenant_id limit $1 offset $2`, col, dir), page.Limit, page.offset())
	if err != nil {
		return nil, Pagination{}, errors.Wrap(err, "tenant stats")
	}
	defer rows.Close()

	out := make([]TenantStats, 0, page.Limit)
	ids := make([]string, 0, page.Limit)
	for rows.Next() {
		var t TenantStats
		if err := rows.Scan(&t.TenantID, &t.TotalJtds, &t.Sent, &t.Failed,
			&t.NoCredits, &t.TotalCost, &t.SuccessRate); err != nil {
			return nil, Pagination{}, err
		}
		t.ByChannel = map[string]int{}
		out = append(out, t)
		ids = append(ids, t.TenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, err
	}

	if len(ids) > 0 {
		rows, err = s.db.Query(ctx, `select tenant_id, coalesce(channel_code,'unresolved'), count(*)
from jtd_events where tenant_id=any($1) and purged_at is null group by 1,2`, ids)
		if err != nil {
			return nil, Pagination{}, errors.Wrap(err, "tenant channel mix")
		}
		defer rows.Close()
		byTenant := map[string]map[string]int{}
		for rows.Next() {
			var id, ch string
			var n int
			if err := rows.Scan(&id, &ch, &n); err != nil {
				return nil, Pagination{}, err
			}
			if byTenant[id] == nil {
				byTenant[id] = map[string]int{}
			}
			byTenant[id][ch] = n
		}
		if err := rows.Err(); err != nil {
			return nil, Pagination{}, err
		}
		for i := range out {
			if m := byTenant[out[i].TenantID]; m != nil {
				out[i].ByChannel = m
			}
		}
	}
	return out, NewPagination(page, total), nil
}

// GlobalStats aggregates all tenants into one row.
func (s *Store) GlobalStats(ctx context.Context) (TenantStats, error) {
	t := TenantStats{ByChannel: map[string]int{}}
	err := s.db.QueryRow(ctx, `select
count(*),
count(*) filter (where status='sent'),
count(*) filter (where status in ('failed','dead_letter')),
count(*) filter (where status='no_credits'),
coalesce(sum(cost) filter (where status='sent'), 0)
from jtd_events where purged_at is null`).Scan(&t.TotalJtds, &t.Sent, &t.Failed, &t.NoCredits, &t.TotalCost)
	if err != nil {
		return t, errors.Wrap(err, "global stats")
	}
	if t.TotalJtds > 0 {
		t.SuccessRate = float64(t.Sent) / float64(t.TotalJtds)
	}
	return t, nil
}
