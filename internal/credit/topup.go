package credit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

type blockedStore interface {
	BlockedByCredits(ctx context.Context, tenantID string, limit int) ([]storage.QueueRef, error)
	Transition(ctx context.Context, id string, to domain.Status, opts storage.TransitionOpts) (domain.Event, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, tenant, eventID string, readyAt time.Time) error
}

// TopUpService credits a tenant's balance and releases its blocked
// events back into the queue. This is a re-entry, not a retry: blocked
// events never consumed retry budget and none is restored or spent here.
type TopUpService struct {
	ledger Ledger
	store  blockedStore
	queue  enqueuer
	log    *zap.Logger
}

func NewTopUpService(ledger Ledger, store blockedStore, queue enqueuer, log *zap.Logger) *TopUpService {
	return &TopUpService{ledger: ledger, store: store, queue: queue, log: log}
}

const releaseBatch = 500

// TopUp applies the credit and re-enqueues as many no_credits events as
// the batch allows. Returns the new balance and the released count.
func (s *TopUpService) TopUp(ctx context.Context, tenantID string, amount float64) (float64, int, error) {
	bal, err := s.ledger.Credit(ctx, tenantID, amount)
	if err != nil {
		return 0, 0, err
	}
	refs, err := s.store.BlockedByCredits(ctx, tenantID, releaseBatch)
	if err != nil {
		return bal, 0, err
	}
	released := 0
	now := time.Now().UTC()
	for _, ref := range refs {
		_, err := s.store.Transition(ctx, ref.ID, domain.Queued, storage.TransitionOpts{
			Reason:        "credits topped up",
			Actor:         domain.ActorSystem,
			NextAttemptAt: &now,
		})
		if err != nil {
			s.log.Warn("release blocked event", zap.String("event_id", ref.ID), zap.Error(err))
			continue
		}
		if s.queue != nil {
			if err := s.queue.Enqueue(ctx, ref.TenantID, ref.ID, now); err != nil {
				s.log.Warn("enqueue released event", zap.String("event_id", ref.ID), zap.Error(err))
			}
		}
		released++
	}
	return bal, released, nil
}

// MemLedger is the in-memory ledger for tests and dev mode.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func NewMemLedger() *MemLedger { return &MemLedger{balances: map[string]float64{}} }

func (l *MemLedger) Balance(_ context.Context, tenantID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID], nil
}

func (l *MemLedger) Debit(_ context.Context, tenantID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[tenantID] -= amount
	return nil
}

func (l *MemLedger) Credit(_ context.Context, tenantID string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[tenantID] += amount
	return l.balances[tenantID], nil
}
