package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/you/jtd/internal/domain"
)

func seedEvent(t *testing.T, m *MemStore, tenant string) domain.Event {
	t.Helper()
	e, err := m.Create(context.Background(), CreateParams{
		TenantID:         tenant,
		EventTypeCode:    "reminder",
		SourceTypeCode:   "contract",
		RecipientName:    "Ada",
		RecipientContact: "ada@example.com",
		Priority:         100,
		MaxRetries:       3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func TestCreateStartsQueuedWithHistory(t *testing.T) {
	m := NewMem()
	e := seedEvent(t, m, "t1")
	if e.Status != domain.Queued {
		t.Fatalf("status = %s, want queued", e.Status)
	}
	hist, _ := m.History(context.Background(), e.ID)
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	if hist[0].FromStatus != nil || hist[0].ToStatus != domain.Queued {
		t.Errorf("creation history row wrong: %+v", hist[0])
	}
}

func TestCreateFutureStartsScheduled(t *testing.T) {
	m := NewMem()
	e, err := m.Create(context.Background(), CreateParams{
		TenantID:         "t1",
		EventTypeCode:    "reminder",
		RecipientContact: "ada@example.com",
		MaxRetries:       3,
		ScheduledAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Status != domain.Scheduled {
		t.Fatalf("status = %s, want scheduled", e.Status)
	}
}

func TestTransitionRejectsMovesOutsideTable(t *testing.T) {
	m := NewMem()
	e := seedEvent(t, m, "t1")
	_, err := m.Transition(context.Background(), e.ID, domain.DeadLetter, TransitionOpts{})
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
	got, _ := m.Get(context.Background(), e.ID)
	if got.Status != domain.Queued {
		t.Errorf("status mutated on rejected transition: %s", got.Status)
	}
}

func TestTransitionWritesHistoryAndStamps(t *testing.T) {
	m := NewMem()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	e := seedEvent(t, m, "t1")

	m.Now = func() time.Time { return base.Add(30 * time.Second) }
	claimed, ok, err := m.Claim(context.Background(), e.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.ExecutedAt == nil || !claimed.ExecutedAt.Equal(base.Add(30*time.Second)) {
		t.Error("executed_at not stamped at claim time")
	}

	m.Now = func() time.Time { return base.Add(90 * time.Second) }
	cost := 0.04
	sent, err := m.Transition(context.Background(), e.ID, domain.Sent, TransitionOpts{Cost: &cost, Reason: "delivered"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if sent.CompletedAt == nil {
		t.Error("completed_at not set on terminal state")
	}
	hist, _ := m.History(context.Background(), e.ID)
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	last := hist[2]
	if last.ToStatus != domain.Sent || last.DurationSeconds != 60 {
		t.Errorf("attempt duration = %v, want 60s in processing", last.DurationSeconds)
	}
}

func TestClaimAtMostOnce(t *testing.T) {
	m := NewMem()
	e := seedEvent(t, m, "t1")

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.Claim(context.Background(), e.ID); ok {
				wins <- e.ID
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("claim won by %d workers, want exactly 1", n)
	}
}

func TestClaimSkipsNotDue(t *testing.T) {
	m := NewMem()
	e := seedEvent(t, m, "t1")
	future := time.Now().Add(time.Hour)
	if _, err := m.Transition(context.Background(), e.ID, domain.Processing, TransitionOpts{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	rc := 1
	if _, err := m.Transition(context.Background(), e.ID, domain.Failed, TransitionOpts{}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if _, err := m.Transition(context.Background(), e.ID, domain.Queued, TransitionOpts{RetryCount: &rc, NextAttemptAt: &future}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, ok, _ := m.Claim(context.Background(), e.ID); ok {
		t.Fatal("claimed an event whose backoff delay has not elapsed")
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	m := NewMem()
	for i := 0; i < 5; i++ {
		seedEvent(t, m, "t1")
	}
	seedEvent(t, m, "t2")

	events, pg, err := m.List(context.Background(), Filter{TenantID: "t1"}, Page{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || pg.TotalRecords != 5 || pg.TotalPages != 3 {
		t.Fatalf("got %d events, total=%d pages=%d", len(events), pg.TotalRecords, pg.TotalPages)
	}
	if !pg.HasNext || pg.HasPrev {
		t.Error("pagination flags wrong for first page")
	}

	events, _, _ = m.List(context.Background(), Filter{Search: "ada@"}, Page{})
	if len(events) != 6 {
		t.Errorf("free-text search matched %d, want 6", len(events))
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	e := seedEvent(t, m, "t1")

	// drive to dead_letter through the machine
	if _, _, err := m.Claim(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, e.ID, domain.Failed, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, e.ID, domain.DeadLetter, TransitionOpts{Reason: "retries exhausted"}); err != nil {
		t.Fatal(err)
	}

	msgs, pg, _, err := m.ListDeadLetters(ctx, time.Now().UTC(), Page{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(msgs) != 1 || pg.TotalRecords != 1 {
		t.Fatalf("dlq listing wrong: %d msgs", len(msgs))
	}

	n, err := m.PurgeDeadLetters(ctx, []string{e.ID})
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	msgs, _, _, _ = m.ListDeadLetters(ctx, time.Now().UTC(), Page{})
	if len(msgs) != 0 {
		t.Error("purged event still listed in dlq")
	}
	// row and audit history survive the purge
	hist, _ := m.History(ctx, e.ID)
	if len(hist) == 0 {
		t.Error("history lost on purge")
	}
	events, _, _ := m.List(ctx, Filter{}, Page{})
	if len(events) != 0 {
		t.Error("purged event still visible in active listing")
	}
}

func TestPurgedEventsExcludedFromAggregates(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedEvent(t, m, "t1")
	if _, _, err := m.Claim(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, e.ID, domain.Failed, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, e.ID, domain.DeadLetter, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if n, err := m.PurgeDeadLetters(ctx, []string{e.ID}); err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}

	dist, _ := m.StatusDistribution(ctx)
	if dist[domain.DeadLetter] != 0 {
		t.Errorf("distribution still counts purged event: %v", dist)
	}
	global, _ := m.GlobalStats(ctx)
	if global.TotalJtds != 0 || global.Failed != 0 {
		t.Errorf("global stats still count purged event: %+v", global)
	}
	stats, _, _ := m.TenantStatsPage(ctx, TenantStatsSort{Column: "tenant_id"}, Page{})
	if len(stats) != 0 {
		t.Errorf("tenant stats still list a purged-only tenant: %+v", stats)
	}
	day, _ := m.LastDay(ctx, now)
	if len(day.ByEventType) != 0 {
		t.Errorf("24h breakdown still counts purged event: %+v", day)
	}
}

func TestTenantStatsSuccessRate(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	// t1: two sent, one failed, one blocked
	for i := 0; i < 2; i++ {
		e := seedEvent(t, m, "t1")
		if _, _, err := m.Claim(ctx, e.ID); err != nil {
			t.Fatal(err)
		}
		cost := 0.5
		if _, err := m.Transition(ctx, e.ID, domain.Sent, TransitionOpts{Cost: &cost}); err != nil {
			t.Fatal(err)
		}
	}
	e := seedEvent(t, m, "t1")
	if _, _, err := m.Claim(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, e.ID, domain.Failed, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	e = seedEvent(t, m, "t1")
	if _, err := m.Transition(ctx, e.ID, domain.NoCredits, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	// t2: one event still queued, nothing ever sent
	seedEvent(t, m, "t2")

	stats, _, err := m.TenantStatsPage(ctx, TenantStatsSort{Column: "tenant_id"}, Page{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d tenants", len(stats))
	}
	t1 := stats[0]
	if t1.TotalJtds != 4 || t1.Sent != 2 || t1.Failed != 1 || t1.NoCredits != 1 {
		t.Errorf("t1 counts wrong: %+v", t1)
	}
	if t1.SuccessRate != 0.5 {
		t.Errorf("t1 success_rate = %v, want 0.5", t1.SuccessRate)
	}
	if t1.TotalCost != 1.0 {
		t.Errorf("t1 total_cost = %v, want 1.0", t1.TotalCost)
	}
	t2 := stats[1]
	if t2.SuccessRate != 0 {
		t.Errorf("t2 success_rate = %v, want 0 (no sends, no NaN)", t2.SuccessRate)
	}
}
