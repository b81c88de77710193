package credit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

func TestGateCheck(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	gate := NewGate(ledger)

	ok, err := gate.Check(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("zero balance must block")
	}

	if _, err := ledger.Credit(ctx, "acme", 5); err != nil {
		t.Fatal(err)
	}
	if ok, _ = gate.Check(ctx, "acme"); !ok {
		t.Error("funded balance must pass")
	}

	if err := gate.Settle(ctx, "acme", 5); err != nil {
		t.Fatal(err)
	}
	if ok, _ = gate.Check(ctx, "acme"); ok {
		t.Error("settled-down balance must block again")
	}
}

func TestGateEstimatedCost(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	if _, err := ledger.Credit(ctx, "acme", 5); err != nil {
		t.Fatal(err)
	}
	gate := NewGate(ledger)
	gate.EstimatedCost = 10

	if ok, _ := gate.Check(ctx, "acme"); ok {
		t.Error("balance below the configured estimate must block")
	}
	gate.EstimatedCost = 5
	if ok, _ := gate.Check(ctx, "acme"); !ok {
		t.Error("balance meeting the estimate must pass")
	}
}

type recordEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordEnqueuer) Enqueue(_ context.Context, _, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func TestTopUpReleasesBlocked(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMem()
	ledger := NewMemLedger()
	q := &recordEnqueuer{}
	svc := NewTopUpService(ledger, m, q, zap.NewNop())

	blocked, err := m.Create(ctx, storage.CreateParams{
		TenantID: "acme", EventTypeCode: "reminder", RecipientContact: "ada@example.com",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, blocked.ID, domain.NoCredits, storage.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	// a different tenant's blocked event stays put
	other, err := m.Create(ctx, storage.CreateParams{
		TenantID: "globex", EventTypeCode: "reminder", RecipientContact: "bob@example.com",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, other.ID, domain.NoCredits, storage.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}

	bal, released, err := svc.TopUp(ctx, "acme", 50)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 50 {
		t.Errorf("balance = %v, want 50", bal)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	got, _ := m.Get(ctx, blocked.ID)
	if got.Status != domain.Queued {
		t.Errorf("status = %s, want queued after top-up", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, release must not touch retry budget", got.RetryCount)
	}
	still, _ := m.Get(ctx, other.ID)
	if still.Status != domain.NoCredits {
		t.Errorf("other tenant's event = %s, must stay blocked", still.Status)
	}
	if len(q.ids) != 1 || q.ids[0] != blocked.ID {
		t.Errorf("enqueued = %v, want just the released id", q.ids)
	}
}

func TestTopUpNoBlockedEvents(t *testing.T) {
	ctx := context.Background()
	svc := NewTopUpService(NewMemLedger(), storage.NewMem(), nil, zap.NewNop())
	bal, released, err := svc.TopUp(ctx, "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 10 || released != 0 {
		t.Errorf("bal=%v released=%d, want 10 and 0", bal, released)
	}
}
