package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/jtd/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const eventCols = `id, tenant_id, event_type_code, channel_code, source_type_code,
recipient_name, recipient_contact, template_key, priority, payload, status,
retry_count, max_retries, cost, provider_code, error_code, error_message,
scheduled_at, next_attempt_at, created_at, updated_at, executed_at,
completed_at, purged_at, performed_by_type, performed_by_name`

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var payload []byte
	err := row.Scan(
		&e.ID, &e.TenantID, &e.EventTypeCode, &e.ChannelCode, &e.SourceTypeCode,
		&e.RecipientName, &e.RecipientContact, &e.TemplateKey, &e.Priority, &payload, &e.Status,
		&e.RetryCount, &e.MaxRetries, &e.Cost, &e.ProviderCode, &e.ErrorCode, &e.ErrorMessage,
		&e.ScheduledAt, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt, &e.ExecutedAt,
		&e.CompletedAt, &e.PurgedAt, &e.PerformedByType, &e.PerformedByName,
	)
	if err == pgx.ErrNoRows {
		return e, domain.ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return e, errors.Wrap(err, "decode payload")
		}
	}
	return e, nil
}

// Create persists a new event (source of truth) together with its
// creation history row. Events due now start queued, future ones
// scheduled.
func (s *Store) Create(ctx context.Context, p CreateParams) (domain.Event, error) {
	now := time.Now().UTC()
	st := domain.Queued
	scheduledAt := p.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	if scheduledAt.After(now) {
		st = domain.Scheduled
	}
	actor := p.PerformedByType
	if actor == "" {
		actor = domain.ActorSystem
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "encode payload")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	id := uuid.NewString()
	row := tx.QueryRow(ctx, `insert into jtd_events(
id, tenant_id, event_type_code, channel_code, source_type_code,
recipient_name, recipient_contact, template_key, priority, payload, status,
retry_count, max_retries, scheduled_at, next_attempt_at, created_at, updated_at,
performed_by_type, performed_by_name
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13,$13,$14,$14,$15,$16)
returning `+eventCols,
		id, p.TenantID, p.EventTypeCode, p.ChannelCode, p.SourceTypeCode,
		p.RecipientName, p.RecipientContact, p.TemplateKey, p.Priority, payload, st,
		p.MaxRetries, scheduledAt.UTC(), now, actor, p.PerformedByName,
	)
	e, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "insert event")
	}
	if err := insertHistory(ctx, tx, e.ID, nil, st, 0, "", actor, now); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Event{}, errors.Wrap(err, "commit")
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Event, error) {
	row := s.db.QueryRow(ctx, `select `+eventCols+` from jtd_events where id=$1`, id)
	return scanEvent(row)
}

// Transition moves an event through the state machine, writing the
// event row and its history entry in one transaction. Fails with
// domain.ErrInvalidTransition when the move is not in the table.
func (s *Store) Transition(ctx context.Context, id string, to domain.Status, opts TransitionOpts) (domain.Event, error) {
	now := time.Now().UTC()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `select `+eventCols+` from jtd_events where id=$1 for update`, id)
	cur, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, err
	}
	if !domain.CanTransition(cur.Status, to) {
		return cur, domain.InvalidTransition(cur.Status, to)
	}
	actor := opts.Actor
	if actor == "" {
		actor = domain.ActorSystem
	}

	row = tx.QueryRow(ctx, `update jtd_events set
status=$2,
updated_at=$3,
retry_count=coalesce($4, retry_count),
next_attempt_at=coalesce($5, next_attempt_at),
error_code=coalesce($6, error_code),
error_message=coalesce($7, error_message),
cost=coalesce($8, cost),
provider_code=coalesce($9, provider_code),
channel_code=coalesce($10, channel_code),
executed_at=case when $2='processing' then $3 else executed_at end,
completed_at=case
  when $2 in ('sent','cancelled','dead_letter') then $3
  when $2 in ('queued','processing') then null
  else completed_at end,
performed_by_type=$11,
performed_by_name=$12
where id=$1 returning `+eventCols,
		id, to, now, opts.RetryCount, opts.NextAttemptAt, opts.ErrorCode, opts.ErrorMessage,
		opts.Cost, opts.ProviderCode, opts.ChannelCode, actor, opts.ActorName,
	)
	e, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "update event")
	}
	from := cur.Status
	dur := now.Sub(cur.UpdatedAt).Seconds()
	if err := insertHistory(ctx, tx, id, &from, to, dur, opts.Reason, actor, now); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Event{}, errors.Wrap(err, "commit")
	}
	return e, nil
}

// Claim atomically takes one specific queued, due event: a conditional
// update so that at most one worker ever wins the row.
func (s *Store) Claim(ctx context.Context, id string) (domain.Event, bool, error) {
	now := time.Now().UTC()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Event{}, false, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `update jtd_events set
status='processing', executed_at=$1, updated_at=$1, completed_at=null
where id=$2 and status='queued' and next_attempt_at<=$1
returning `+eventCols, now, id)
	e, err := scanEvent(row)
	if err == domain.ErrNotFound {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, errors.Wrap(err, "claim")
	}
	from := domain.Queued
	if err := insertHistory(ctx, tx, e.ID, &from, domain.Processing, 0, "claimed", domain.ActorSystem, now); err != nil {
		return domain.Event{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Event{}, false, errors.Wrap(err, "commit")
	}
	return e, true, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, eventID string, from *domain.Status, to domain.Status, durationSec float64, reason string, actor domain.ActorType, at time.Time) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	_, err := tx.Exec(ctx, `insert into jtd_status_history(
event_id, from_status, to_status, duration_seconds, reason, performed_by_type, created_at
) values ($1,$2,$3,$4,$5,$6,$7)`,
		eventID, from, to, durationSec, r, actor, at)
	return errors.Wrap(err, "insert history")
}

// History returns the audit trail for one event, oldest first.
func (s *Store) History(ctx context.Context, eventID string) ([]domain.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `select id, event_id, from_status, to_status,
duration_seconds, reason, performed_by_type, created_at
from jtd_status_history where event_id=$1 order by created_at, id`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.EventID, &h.FromStatus, &h.ToStatus,
			&h.DurationSeconds, &h.Reason, &h.PerformedByType, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// List runs a filtered, paginated event search, newest first.
func (s *Store) List(ctx context.Context, f Filter, page Page) ([]domain.Event, Pagination, error) {
	page = page.normalized()
	where, args := buildFilter(f)

	var total int
	if err := s.db.QueryRow(ctx, `select count(*) from jtd_events `+where, args...).Scan(&total); err != nil {
		return nil, Pagination{}, errors.Wrap(err, "count events")
	}

	args = append(args, page.Limit, page.offset())
	n := len(args)
	rows, err := s.db.Query(ctx, `select `+eventCols+` from jtd_events `+where+
		fmt.Sprintf(` order by created_at desc limit $%d offset $%d`, n-1, n), args...)
	if err != nil {
		return nil, Pagination{}, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	out := make([]domain.Event, 0, page.Limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, Pagination{}, err
		}
		out = append(out, e)
	}
	return out, NewPagination(page, total), rows.Err()
}

func buildFilter(f Filter) (string, []any) {
	conds := []string{"purged_at is null"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.EventTypeCode != "" {
		add("event_type_code=$%d", f.EventTypeCode)
	}
	if f.ChannelCode != "" {
		add("channel_code=$%d", f.ChannelCode)
	}
	if f.SourceTypeCode != "" {
		add("source_type_code=$%d", f.SourceTypeCode)
	}
	if f.From != nil {
		add("created_at>=$%d", f.From.UTC())
	}
	if f.To != nil {
		add("created_at<=$%d", f.To.UTC())
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(recipient_name ilike $%d or recipient_contact ilike $%d or coalesce(error_message,'') ilike $%d)", n, n, n))
	}
	return "where " + strings.Join(conds, " and "), args
}
