package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

// Store is the slice of the event store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, id string) (domain.Event, error)
	Claim(ctx context.Context, id string) (domain.Event, bool, error)
	Transition(ctx context.Context, id string, to domain.Status, opts storage.TransitionOpts) (domain.Event, error)
	ReadyQueued(ctx context.Context, now time.Time, limit int) ([]storage.QueueRef, error)
	Tenants(ctx context.Context) ([]string, error)
}

// Queue is the ready-list side of the pipeline.
type Queue interface {
	Dequeue(ctx context.Context, tenants []string, block time.Duration) (string, bool, error)
	Enqueue(ctx context.Context, tenant, eventID string, readyAt time.Time) error
}

// Gate is the per-tenant credit check consulted before every claim.
type Gate interface {
	Check(ctx context.Context, tenantID string) (bool, error)
	Settle(ctx context.Context, tenantID string, cost float64) error
}

type Config struct {
	Workers        int
	PollInterval   time.Duration
	IdleDelay      time.Duration
	DefaultChannel string
}

// Dispatcher runs the worker pool: claim one queued event at a time,
// invoke the provider, record the outcome through the state machine.
type Dispatcher struct {
	store    Store
	queue    Queue
	gate     Gate
	provider Provider
	retry    RetryPolicy
	cfg      Config
	log      *zap.Logger

	mu         sync.Mutex
	tenantList []string
	tenantsAt  time.Time
	rng        *rand.Rand
}

func NewDispatcher(store Store, queue Queue, gate Gate, provider Provider, retry RetryPolicy, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 800 * time.Millisecond
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "email"
	}
	return &Dispatcher{
		store: store, queue: queue, gate: gate, provider: provider,
		retry: retry, cfg: cfg, log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is done, keeping cfg.Workers claim loops going.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		w := i
		g.Go(func() error { return d.workerLoop(ctx, w) })
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) error {
	log := d.log.With(zap.Int("worker", worker))
	log.Info("worker started")
	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return ctx.Err()
		}
		worked, err := d.processOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return ctx.Err()
			}
			log.Error("process event", zap.Error(err))
		}
		if !worked {
			select {
			case <-ctx.Done():
				log.Info("worker stopping")
				return ctx.Err()
			case <-time.After(d.cfg.IdleDelay):
			}
		}
	}
}

// processOne pulls the next ready id (redis hint, db fallback) and
// dispatches it. Returns false when there was nothing to do.
func (d *Dispatcher) processOne(ctx context.Context) (bool, error) {
	id, ok, err := d.queue.Dequeue(ctx, d.tenants(ctx), d.cfg.PollInterval)
	if err != nil {
		return false, errors.Wrap(err, "dequeue")
	}
	if !ok {
		// redis empty or cold; fall back to a direct scan
		refs, err := d.store.ReadyQueued(ctx, time.Now().UTC(), 1)
		if err != nil {
			return false, errors.Wrap(err, "ready scan")
		}
		if len(refs) == 0 {
			return false, nil
		}
		id = refs[0].ID
	}
	return true, d.dispatch(ctx, id)
}

// dispatch handles one ready id end to end: credit gate, atomic claim,
// provider attempt, outcome.
func (d *Dispatcher) dispatch(ctx context.Context, id string) error {
	e, err := d.store.Get(ctx, id)
	if err == domain.ErrNotFound {
		return nil // purged under us; drop the hint
	}
	if err != nil {
		return err
	}
	if e.Status != domain.Queued || !e.Due(time.Now().UTC()) {
		return nil // stale hint, someone else moved it
	}

	allowed, err := d.gate.Check(ctx, e.TenantID)
	if err != nil {
		return errors.Wrap(err, "credit check")
	}
	if !allowed {
		// blocked, not failed: held until the tenant tops up, and no
		// retry budget is spent
		_, err := d.store.Transition(ctx, id, domain.NoCredits, storage.TransitionOpts{
			Reason: "insufficient tenant credits",
		})
		if err != nil && errors.Cause(err) != domain.ErrInvalidTransition {
			return err
		}
		d.log.Info("event blocked on credits",
			zap.String("event_id", id), zap.String("tenant_id", e.TenantID))
		return nil
	}

	claimed, ok, err := d.store.Claim(ctx, id)
	if err != nil {
		return errors.Wrap(err, "claim")
	}
	if !ok {
		return nil // lost the race; exactly one worker wins
	}
	return d.attempt(ctx, claimed)
}

func (d *Dispatcher) attempt(ctx context.Context, e domain.Event) error {
	channel := d.cfg.DefaultChannel
	if e.ChannelCode != nil && *e.ChannelCode != "" {
		channel = *e.ChannelCode
	}
	res, sendErr := d.provider.Send(ctx, SendRequest{
		EventID:     e.ID,
		TenantID:    e.TenantID,
		ChannelCode: channel,
		Recipient:   e.RecipientContact,
		TemplateKey: e.TemplateKey,
		Payload:     e.Payload,
	})

	if sendErr == nil {
		_, err := d.store.Transition(ctx, e.ID, domain.Sent, storage.TransitionOpts{
			Reason:       "delivered",
			Cost:         &res.Cost,
			ProviderCode: &res.ProviderCode,
			ChannelCode:  &channel,
		})
		if err != nil {
			return errors.Wrap(err, "mark sent")
		}
		if err := d.gate.Settle(ctx, e.TenantID, res.Cost); err != nil {
			d.log.Warn("settle cost", zap.String("event_id", e.ID), zap.Error(err))
		}
		d.log.Info("event sent",
			zap.String("event_id", e.ID),
			zap.String("tenant_id", e.TenantID),
			zap.String("channel", channel))
		return nil
	}

	code, msg, kind := classify(sendErr)
	if _, err := d.store.Transition(ctx, e.ID, domain.Failed, storage.TransitionOpts{
		Reason:       "provider attempt failed",
		ErrorCode:    &code,
		ErrorMessage: &msg,
		ChannelCode:  &channel,
	}); err != nil {
		return errors.Wrap(err, "mark failed")
	}

	if kind == domain.FailurePermanent {
		_, err := d.store.Transition(ctx, e.ID, domain.DeadLetter, storage.TransitionOpts{
			Reason: "permanent provider error: " + code,
		})
		d.log.Warn("event dead-lettered (permanent)",
			zap.String("event_id", e.ID), zap.String("error_code", code))
		return errors.Wrap(err, "dead-letter")
	}

	if d.retry.ShouldRetry(e) {
		rc := e.RetryCount + 1
		d.mu.Lock()
		next := d.retry.NextAttemptAt(time.Now().UTC(), rc, d.rng)
		d.mu.Unlock()
		_, err := d.store.Transition(ctx, e.ID, domain.Queued, storage.TransitionOpts{
			Reason:        fmt.Sprintf("retry %d/%d scheduled", rc, e.MaxRetries),
			RetryCount:    &rc,
			NextAttemptAt: &next,
		})
		if err != nil {
			return errors.Wrap(err, "requeue for retry")
		}
		if err := d.queue.Enqueue(ctx, e.TenantID, e.ID, next); err != nil {
			d.log.Warn("enqueue retry", zap.String("event_id", e.ID), zap.Error(err))
		}
		d.log.Info("event retry scheduled",
			zap.String("event_id", e.ID),
			zap.Int("retry", rc), zap.Time("next_attempt_at", next))
		return nil
	}

	_, err := d.store.Transition(ctx, e.ID, domain.DeadLetter, storage.TransitionOpts{
		Reason: fmt.Sprintf("retries exhausted (%d/%d)", e.RetryCount, e.MaxRetries),
	})
	d.log.Warn("event dead-lettered (exhausted)",
		zap.String("event_id", e.ID), zap.Int("retry_count", e.RetryCount))
	return errors.Wrap(err, "dead-letter")
}

func classify(err error) (code, msg string, kind domain.FailureKind) {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return perr.Code, perr.Message, perr.Kind
	}
	return "provider_error", err.Error(), domain.FailureTransient
}

// tenants returns the tenant list, refreshed at most every 10s.
func (d *Dispatcher) tenants(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.tenantsAt) < 10*time.Second {
		return d.tenantList
	}
	list, err := d.store.Tenants(ctx)
	if err != nil {
		d.log.Warn("refresh tenants", zap.Error(err))
		return d.tenantList
	}
	d.tenantList = list
	d.tenantsAt = time.Now()
	return d.tenantList
}
