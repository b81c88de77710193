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

type fakeSweepQueue struct {
	mu     sync.Mutex
	pushed map[string][]string
	moved  []string
}

func newFakeSweepQueue() *fakeSweepQueue {
	return &fakeSweepQueue{pushed: map[string][]string{}}
}

func (q *fakeSweepQueue) Push(_ context.Context, tenant string, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed[tenant] = append(q.pushed[tenant], ids...)
	return nil
}

func (q *fakeSweepQueue) MoveDue(_ context.Context, tenant string, _ int64, _ int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moved = append(q.moved, tenant)
	return nil
}

func TestPromoteDue(t *testing.T) {
	m := storage.NewMem()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }

	due, err := m.Create(ctx, storage.CreateParams{
		TenantID: "acme", EventTypeCode: "reminder", RecipientContact: "ada@example.com",
		MaxRetries: 3, ScheduledAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	notYet, err := m.Create(ctx, storage.CreateParams{
		TenantID: "acme", EventTypeCode: "reminder", RecipientContact: "bob@example.com",
		MaxRetries: 3, ScheduledAt: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	q := newFakeSweepQueue()
	s := NewSweeper(m, q, time.Minute, zap.NewNop())

	m.Now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := s.PromoteDue(ctx, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("promote: %v", err)
	}

	got, _ := m.Get(ctx, due.ID)
	if got.Status != domain.Queued {
		t.Errorf("due event status = %s, want queued", got.Status)
	}
	still, _ := m.Get(ctx, notYet.ID)
	if still.Status != domain.Scheduled {
		t.Errorf("future event status = %s, want scheduled", still.Status)
	}
	if ids := q.pushed["acme"]; len(ids) != 1 || ids[0] != due.ID {
		t.Errorf("pushed = %v, want just the promoted id", ids)
	}
}

func TestReclaimStuck(t *testing.T) {
	m := storage.NewMem()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }

	stuck, err := m.Create(ctx, storage.CreateParams{
		TenantID: "acme", EventTypeCode: "reminder", RecipientContact: "ada@example.com",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Claim(ctx, stuck.ID); !ok {
		t.Fatal("setup claim failed")
	}

	// fresh claim, inside the visibility window
	m.Now = func() time.Time { return base.Add(90 * time.Second) }
	fresh, err := m.Create(ctx, storage.CreateParams{
		TenantID: "acme", EventTypeCode: "reminder", RecipientContact: "bob@example.com",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Claim(ctx, fresh.ID); !ok {
		t.Fatal("setup claim failed")
	}

	q := newFakeSweepQueue()
	s := NewSweeper(m, q, time.Minute, zap.NewNop())
	now := base.Add(100 * time.Second)
	m.Now = func() time.Time { return now }
	if err := s.ReclaimStuck(ctx, now); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	got, _ := m.Get(ctx, stuck.ID)
	if got.Status != domain.Queued {
		t.Errorf("stuck event status = %s, want requeued", got.Status)
	}
	if !got.NextAttemptAt.Equal(now) {
		t.Errorf("reclaimed next_attempt_at = %v, want immediate", got.NextAttemptAt)
	}
	still, _ := m.Get(ctx, fresh.ID)
	if still.Status != domain.Processing {
		t.Errorf("fresh claim status = %s, must stay processing", still.Status)
	}
	if ids := q.pushed["acme"]; len(ids) != 1 || ids[0] != stuck.ID {
		t.Errorf("pushed = %v, want just the reclaimed id", ids)
	}
}

func TestReconcilePushesReadyByTenant(t *testing.T) {
	m := storage.NewMem()
	ctx := context.Background()
	for _, tenant := range []string{"acme", "acme", "globex"} {
		if _, err := m.Create(ctx, storage.CreateParams{
			TenantID: tenant, EventTypeCode: "reminder", RecipientContact: "x@example.com",
			MaxRetries: 3,
		}); err != nil {
			t.Fatal(err)
		}
	}
	q := newFakeSweepQueue()
	s := NewSweeper(m, q, time.Minute, zap.NewNop())
	now := time.Now().UTC()
	s.Tick(ctx, now)

	if len(q.pushed["acme"]) != 2 || len(q.pushed["globex"]) != 1 {
		t.Errorf("reconcile pushed acme=%d globex=%d, want 2 and 1",
			len(q.pushed["acme"]), len(q.pushed["globex"]))
	}
	if len(q.moved) != 2 {
		t.Errorf("drained delay sets for %d tenants, want 2", len(q.moved))
	}
}
