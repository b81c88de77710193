package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/jtd/internal/domain"
)

// advisory lock key for the scheduler singleton
const leaderLockKey = 7244

// TryLeaderLock attempts the scheduler leader election lock.
func (s *Store) TryLeaderLock(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `select pg_try_advisory_lock($1)`, leaderLockKey).Scan(&ok)
	return ok, errors.Wrap(err, "leader lock")
}

// QueueRef is the minimal handle the scheduler shuttles between the
// database and the redis ready queues.
type QueueRef struct {
	ID       string
	TenantID string
}

func (s *Store) queryRefs(ctx context.Context, q string, args ...any) ([]QueueRef, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueRef
	for rows.Next() {
		var r QueueRef
		if err := rows.Scan(&r.ID, &r.TenantID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueScheduled lists scheduled events whose time has come.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int) ([]QueueRef, error) {
	refs, err := s.queryRefs(ctx, `select id, tenant_id from jtd_events
where status='scheduled' and scheduled_at<=$1
order by scheduled_at limit $2`, now.UTC(), limit)
	return refs, errors.Wrap(err, "due scheduled")
}

// ReadyQueued lists queued, due events for redis reconciliation.
func (s *Store) ReadyQueued(ctx context.Context, now time.Time, limit int) ([]QueueRef, error) {
	refs, err := s.queryRefs(ctx, `select id, tenant_id from jtd_events
where status='queued' and next_attempt_at<=$1 and purged_at is null
order by priority, scheduled_at, created_at limit $2`, now.UTC(), limit)
	return refs, errors.Wrap(err, "ready queued")
}

// StuckProcessing lists claims held past the visibility timeout.
func (s *Store) StuckProcessing(ctx context.Context, before time.Time, limit int) ([]QueueRef, error) {
	refs, err := s.queryRefs(ctx, `select id, tenant_id from jtd_events
where status='processing' and executed_at<$1
order by executed_at limit $2`, before.UTC(), limit)
	return refs, errors.Wrap(err, "stuck processing")
}

// BlockedByCredits lists a tenant's events held in no_credits, oldest
// first, for re-enqueue after a top-up.
func (s *Store) BlockedByCredits(ctx context.Context, tenantID string, limit int) ([]QueueRef, error) {
	refs, err := s.queryRefs(ctx, `select id, tenant_id from jtd_events
where status='no_credits' and tenant_id=$1
order by created_at limit $2`, tenantID, limit)
	return refs, errors.Wrap(err, "blocked by credits")
}

// Tenants lists known tenant ids (small table, scanned each tick).
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `select distinct tenant_id from jtd_events`)
	if err != nil {
		return nil, errors.Wrap(err, "tenants")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDeadLetters pages through the DLQ, oldest first, and reports the
// age of its oldest member.
func (s *Store) ListDeadLetters(ctx context.Context, now time.Time, page Page) ([]domain.Event, Pagination, float64, error) {
	page = page.normalized()
	var total int
	var oldest *time.Time
	err := s.db.QueryRow(ctx, `select count(*), min(completed_at)
from jtd_events where status='dead_letter' and purged_at is null`).Scan(&total, &oldest)
	if err != nil {
		return nil, Pagination{}, 0, errors.Wrap(err, "count dlq")
	}
	var oldestAge float64
	if oldest != nil {
		oldestAge = now.Sub(*oldest).Seconds()
	}

	rows, err := s.db.Query(ctx, `select `+eventCols+` from jtd_events
where status='dead_letter' and purged_at is null
order by completed_at, created_at limit $1 offset $2`, page.Limit, page.offset())
	if err != nil {
		return nil, Pagination{}, 0, errors.Wrap(err, "query dlq")
	}
	defer rows.Close()
	out := make([]domain.Event, 0, page.Limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, Pagination{}, 0, err
		}
		out = append(out, e)
	}
	return out, NewPagination(page, total), oldestAge, rows.Err()
}

// PurgeDeadLetters hides the given DLQ events from all active queries.
// Event rows and history stay behind for audit.
func (s *Store) PurgeDeadLetters(ctx context.Context, ids []string) (int, error) {
	tag, err := s.db.Exec(ctx, `update jtd_events set purged_at=now(), updated_at=now()
where id=any($1) and status='dead_letter' and purged_at is null`, ids)
	if err != nil {
		return 0, errors.Wrap(err, "purge dlq")
	}
	return int(tag.RowsAffected()), nil
}
