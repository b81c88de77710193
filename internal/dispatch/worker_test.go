package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []struct {
		tenant, id string
		readyAt    time.Time
	}
}

func (q *fakeQueue) Dequeue(context.Context, []string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, tenant, id string, readyAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, struct {
		tenant, id string
		readyAt    time.Time
	}{tenant, id, readyAt})
	return nil
}

type fakeGate struct {
	allowed bool
	settled []float64
}

func (g *fakeGate) Check(context.Context, string) (bool, error) { return g.allowed, nil }

func (g *fakeGate) Settle(_ context.Context, _ string, cost float64) error {
	g.settled = append(g.settled, cost)
	return nil
}

type fakeProvider struct {
	res   domain.ProviderResult
	err   error
	calls int
}

func (p *fakeProvider) Send(context.Context, SendRequest) (domain.ProviderResult, error) {
	p.calls++
	return p.res, p.err
}

func testDispatcher(store *storage.MemStore, gate *fakeGate, provider *fakeProvider) (*Dispatcher, *fakeQueue) {
	q := &fakeQueue{}
	d := NewDispatcher(store, q, gate, provider,
		RetryPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute},
		Config{}, zap.NewNop())
	return d, q
}

func queuedEvent(t *testing.T, m *storage.MemStore, maxRetries int) domain.Event {
	t.Helper()
	e, err := m.Create(context.Background(), storage.CreateParams{
		TenantID:         "acme",
		EventTypeCode:    "reminder",
		RecipientContact: "ada@example.com",
		Priority:         100,
		MaxRetries:       maxRetries,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func TestDispatchSentPath(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 3)
	gate := &fakeGate{allowed: true}
	provider := &fakeProvider{res: domain.ProviderResult{ProviderCode: "sendgrid", Cost: 0.04}}
	d, _ := testDispatcher(m, gate, provider)

	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.Sent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.Cost == nil || *got.Cost != 0.04 {
		t.Error("cost not recorded from provider result")
	}
	if got.ProviderCode == nil || *got.ProviderCode != "sendgrid" {
		t.Error("provider code not recorded")
	}
	if got.ChannelCode == nil || *got.ChannelCode != "email" {
		t.Error("default channel not recorded on the event")
	}
	if len(gate.settled) != 1 || gate.settled[0] != 0.04 {
		t.Errorf("gate settled = %v, want one debit of 0.04", gate.settled)
	}
}

func TestDispatchTransientFailureRequeues(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 3)
	gate := &fakeGate{allowed: true}
	provider := &fakeProvider{err: &domain.ProviderError{
		Kind: domain.FailureTransient, Code: "timeout", Message: "upstream timeout",
	}}
	d, q := testDispatcher(m, gate, provider)

	before := time.Now().UTC()
	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.Queued {
		t.Fatalf("status = %s, want queued for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "timeout" {
		t.Error("error code not recorded on failure")
	}
	// rc=1 delay is 1m, equal jitter keeps it in [30s, 1m]
	d1 := got.NextAttemptAt.Sub(before)
	if d1 < 30*time.Second || d1 > time.Minute+time.Second {
		t.Errorf("next_attempt_at %v after failure, outside jitter window", d1)
	}
	if len(q.enqueued) != 1 || !q.enqueued[0].readyAt.Equal(got.NextAttemptAt) {
		t.Errorf("delayed enqueue = %+v, want one push at next_attempt_at", q.enqueued)
	}
	if len(gate.settled) != 0 {
		t.Error("failed attempt must not settle cost")
	}
}

func TestDispatchExhaustedGoesDeadLetter(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 0)
	gate := &fakeGate{allowed: true}
	provider := &fakeProvider{err: &domain.ProviderError{
		Kind: domain.FailureTransient, Code: "timeout", Message: "upstream timeout",
	}}
	d, q := testDispatcher(m, gate, provider)

	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.DeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	hist, _ := m.History(context.Background(), e.ID)
	// created, claimed, failed, dead_letter
	if len(hist) != 4 || hist[2].ToStatus != domain.Failed {
		t.Errorf("expected failure recorded before dead-lettering, history: %+v", hist)
	}
	if len(q.enqueued) != 0 {
		t.Error("dead-lettered event must not be re-enqueued")
	}
}

func TestDispatchPermanentErrorShortCircuits(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 3)
	gate := &fakeGate{allowed: true}
	provider := &fakeProvider{err: &domain.ProviderError{
		Kind: domain.FailurePermanent, Code: "invalid_recipient", Message: "mailbox does not exist",
	}}
	d, _ := testDispatcher(m, gate, provider)

	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.DeadLetter {
		t.Fatalf("status = %s, want dead_letter despite retries remaining", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, permanent failures must not spend retry budget", got.RetryCount)
	}
}

func TestDispatchCreditBlocked(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 3)
	gate := &fakeGate{allowed: false}
	provider := &fakeProvider{}
	d, _ := testDispatcher(m, gate, provider)

	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.NoCredits {
		t.Fatalf("status = %s, want no_credits", got.Status)
	}
	if provider.calls != 0 {
		t.Error("provider must not be invoked for a credit-blocked event")
	}
	if got.RetryCount != 0 {
		t.Error("credit block must not spend retry budget")
	}
}

func TestDispatchIgnoresStaleHint(t *testing.T) {
	m := storage.NewMem()
	e := queuedEvent(t, m, 3)
	if _, ok, _ := m.Claim(context.Background(), e.ID); !ok {
		t.Fatal("setup claim failed")
	}
	gate := &fakeGate{allowed: true}
	provider := &fakeProvider{}
	d, _ := testDispatcher(m, gate, provider)

	if err := d.dispatch(context.Background(), e.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if provider.calls != 0 {
		t.Error("already-processing event must be skipped")
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.Processing {
		t.Errorf("status = %s, want untouched processing", got.Status)
	}
}
