package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

type sweepStore interface {
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]storage.QueueRef, error)
	ReadyQueued(ctx context.Context, now time.Time, limit int) ([]storage.QueueRef, error)
	StuckProcessing(ctx context.Context, before time.Time, limit int) ([]storage.QueueRef, error)
	Transition(ctx context.Context, id string, to domain.Status, opts storage.TransitionOpts) (domain.Event, error)
	Tenants(ctx context.Context) ([]string, error)
}

type sweepQueue interface {
	Push(ctx context.Context, tenant string, eventIDs ...string) error
	MoveDue(ctx context.Context, tenant string, now int64, batch int64) error
}

// Sweeper is the scheduler's housekeeping core: promote due scheduled
// events, drain elapsed retry delays, reconcile the ready lists, and
// reclaim claims stuck past the visibility timeout.
type Sweeper struct {
	store             sweepStore
	queue             sweepQueue
	visibilityTimeout time.Duration
	log               *zap.Logger
}

func NewSweeper(store sweepStore, queue sweepQueue, visibilityTimeout time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{store: store, queue: queue, visibilityTimeout: visibilityTimeout, log: log}
}

const sweepBatch = 500

// Tick runs one full housekeeping pass.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	if err := s.PromoteDue(ctx, now); err != nil {
		s.log.Error("promote due", zap.Error(err))
	}
	if err := s.drainDelays(ctx, now); err != nil {
		s.log.Error("drain delays", zap.Error(err))
	}
	if err := s.reconcile(ctx, now); err != nil {
		s.log.Error("reconcile ready", zap.Error(err))
	}
	if err := s.ReclaimStuck(ctx, now); err != nil {
		s.log.Error("reclaim stuck", zap.Error(err))
	}
}

// PromoteDue moves scheduled events whose time has come into queued.
func (s *Sweeper) PromoteDue(ctx context.Context, now time.Time) error {
	refs, err := s.store.DueScheduled(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		nowUTC := now.UTC()
		if _, err := s.store.Transition(ctx, ref.ID, domain.Queued, storage.TransitionOpts{
			Reason:        "scheduled time reached",
			NextAttemptAt: &nowUTC,
		}); err != nil {
			s.log.Warn("promote event", zap.String("event_id", ref.ID), zap.Error(err))
			continue
		}
		if s.queue != nil {
			if err := s.queue.Push(ctx, ref.TenantID, ref.ID); err != nil {
				s.log.Warn("push promoted event", zap.String("event_id", ref.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Sweeper) drainDelays(ctx context.Context, now time.Time) error {
	if s.queue == nil {
		return nil
	}
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := s.queue.MoveDue(ctx, t, now.Unix(), sweepBatch); err != nil {
			s.log.Warn("move due delays", zap.String("tenant_id", t), zap.Error(err))
		}
	}
	return nil
}

// reconcile re-pushes queued, due ids so redis never drifts from the
// database for long (crashed pushes, flushed redis).
func (s *Sweeper) reconcile(ctx context.Context, now time.Time) error {
	if s.queue == nil {
		return nil
	}
	refs, err := s.store.ReadyQueued(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	byTenant := map[string][]string{}
	for _, ref := range refs {
		byTenant[ref.TenantID] = append(byTenant[ref.TenantID], ref.ID)
	}
	for t, ids := range byTenant {
		if err := s.queue.Push(ctx, t, ids...); err != nil {
			s.log.Warn("reconcile push", zap.String("tenant_id", t), zap.Error(err))
		}
	}
	return nil
}

// ReclaimStuck requeues processing claims older than the visibility
// timeout, so a crashed worker never strands an event.
func (s *Sweeper) ReclaimStuck(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.visibilityTimeout)
	refs, err := s.store.StuckProcessing(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		nowUTC := now.UTC()
		if _, err := s.store.Transition(ctx, ref.ID, domain.Queued, storage.TransitionOpts{
			Reason:        "visibility timeout exceeded, reclaimed",
			NextAttemptAt: &nowUTC,
		}); err != nil {
			s.log.Warn("reclaim event", zap.String("event_id", ref.ID), zap.Error(err))
			continue
		}
		s.log.Info("stuck claim reclaimed", zap.String("event_id", ref.ID))
		if s.queue != nil {
			if err := s.queue.Push(ctx, ref.TenantID, ref.ID); err != nil {
				s.log.Warn("push reclaimed event", zap.String("event_id", ref.ID), zap.Error(err))
			}
		}
	}
	return nil
}
