package storage

import (
	"context"
	"sort"
	"time"

	"github.com/you/jtd/internal/domain"
)

func (m *MemStore) MainQueue(_ context.Context, now time.Time) (QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap QueueSnapshot
	var oldest time.Time
	for _, e := range m.events {
		if e.Status != domain.Queued || e.NextAttemptAt.After(now) || e.PurgedAt != nil {
			continue
		}
		snap.Length++
		if oldest.IsZero() || e.UpdatedAt.Before(oldest) {
			oldest = e.UpdatedAt
		}
	}
	if !oldest.IsZero() {
		snap.OldestAgeSec = now.Sub(oldest).Seconds()
	}
	return snap, nil
}

func (m *MemStore) DLQ(_ context.Context, now time.Time) (QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap QueueSnapshot
	var oldest time.Time
	for _, e := range m.events {
		if e.Status != domain.DeadLetter || e.PurgedAt != nil {
			continue
		}
		snap.Length++
		if oldest.IsZero() || e.UpdatedAt.Before(oldest) {
			oldest = e.UpdatedAt
		}
	}
	if !oldest.IsZero() {
		snap.OldestAgeSec = now.Sub(oldest).Seconds()
	}
	return snap, nil
}

func (m *MemStore) StatusDistribution(_ context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.Status]int{}
	for _, e := range m.events {
		if e.PurgedAt != nil {
			continue
		}
		out[e.Status]++
	}
	return out, nil
}

func (m *MemStore) ActionableCounts(_ context.Context, now time.Time) (Actionable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var a Actionable
	for _, e := range m.events {
		if e.PurgedAt != nil {
			continue
		}
		switch {
		case e.Status == domain.Processing:
			a.CurrentlyProcessing++
		case e.Status == domain.Failed && e.RetryCount < e.MaxRetries:
			a.FailedRetryable++
		case e.Status == domain.Scheduled && !e.ScheduledAt.After(now):
			a.ScheduledDue++
		case e.Status == domain.NoCredits:
			a.NoCreditsWaiting++
		}
	}
	return a, nil
}

func (m *MemStore) LastDay(_ context.Context, now time.Time) (Breakdown24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Breakdown24h{ByEventType: map[string]int{}, ByChannel: map[string]int{}}
	since := now.Add(-24 * time.Hour)
	for _, e := range m.events {
		if e.CreatedAt.Before(since) || e.PurgedAt != nil {
			continue
		}
		b.ByEventType[e.EventTypeCode]++
		ch := "unresolved"
		if e.ChannelCode != nil {
			ch = *e.ChannelCode
		}
		b.ByChannel[ch]++
	}
	return b, nil
}

func (m *MemStore) ThroughputStats(_ context.Context, now time.Time) (Throughput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t Throughput
	h1 := now.Add(-time.Hour)
	h24 := now.Add(-24 * time.Hour)
	var durSum float64
	for _, h := range m.history {
		if h.CreatedAt.Before(h24) {
			continue
		}
		switch h.ToStatus {
		case domain.Sent:
			t.SentLast24h++
			durSum += h.DurationSeconds
			if !h.CreatedAt.Before(h1) {
				t.SentLast1h++
			}
		case domain.Failed:
			t.ErrorsLast24h++
			if !h.CreatedAt.Before(h1) {
				t.ErrorsLast1h++
			}
		}
	}
	if t.SentLast24h > 0 {
		t.AvgDurationSec = durSum / float64(t.SentLast24h)
	}
	if total := t.SentLast1h + t.ErrorsLast1h; total > 0 {
		t.ErrorRate1h = float64(t.ErrorsLast1h) / float64(total)
	}
	for _, e := range m.events {
		if e.ExecutedAt == nil {
			continue
		}
		if t.LastExecutedAt == nil || e.ExecutedAt.After(*t.LastExecutedAt) {
			cp := *e.ExecutedAt
			t.LastExecutedAt = &cp
		}
	}
	return t, nil
}

func (m *MemStore) StuckCount(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Status == domain.Processing && e.ExecutedAt != nil && e.ExecutedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) TenantStatsPage(_ context.Context, sortBy TenantStatsSort, page Page) ([]TenantStats, Pagination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page = page.normalized()
	byTenant := map[string]*TenantStats{}
	for _, e := range m.events {
		if e.PurgedAt != nil {
			continue
		}
		t := byTenant[e.TenantID]
		if t == nil {
			t = &TenantStats{TenantID: e.TenantID, ByChannel: map[string]int{}}
			byTenant[e.TenantID] = t
		}
		t.TotalJtds++
		switch e.Status {
		case domain.Sent:
			t.Sent++
			if e.Cost != nil {
				t.TotalCost += *e.Cost
			}
		case domain.Failed, domain.DeadLetter:
			t.Failed++
		case domain.NoCredits:
			t.NoCredits++
		}
		ch := "unresolved"
		if e.ChannelCode != nil {
			ch = *e.ChannelCode
		}
		t.ByChannel[ch]++
	}
	all := make([]TenantStats, 0, len(byTenant))
	for _, t := range byTenant {
		if t.TotalJtds > 0 {
			t.SuccessRate = float64(t.Sent) / float64(t.TotalJtds)
		}
		all = append(all, *t)
	}
	sortTenantStats(all, sortBy)
	total := len(all)
	start := page.offset()
	if start >= total {
		return []TenantStats{}, NewPagination(page, total), nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return append([]TenantStats(nil), all[start:end]...), NewPagination(page, total), nil
}

func sortTenantStats(all []TenantStats, by TenantStatsSort) {
	key := func(t TenantStats) float64 {
		switch by.Column {
		case "sent":
			return float64(t.Sent)
		case "failed":
			return float64(t.Failed)
		case "no_credits":
			return float64(t.NoCredits)
		case "total_cost":
			return t.TotalCost
		case "success_rate":
			return t.SuccessRate
		default:
			return float64(t.TotalJtds)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if by.Column == "tenant_id" {
			if by.Desc {
				return all[i].TenantID > all[j].TenantID
			}
			return all[i].TenantID < all[j].TenantID
		}
		ki, kj := key(all[i]), key(all[j])
		if ki != kj {
			if by.Desc {
				return ki > kj
			}
			return ki < kj
		}
		return all[i].TenantID < all[j].TenantID
	})
}

func (m *MemStore) GlobalStats(_ context.Context) (TenantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := TenantStats{ByChannel: map[string]int{}}
	for _, e := range m.events {
		if e.PurgedAt != nil {
			continue
		}
		t.TotalJtds++
		switch e.Status {
		case domain.Sent:
			t.Sent++
			if e.Cost != nil {
				t.TotalCost += *e.Cost
			}
		case domain.Failed, domain.DeadLetter:
			t.Failed++
		case domain.NoCredits:
			t.NoCredits++
		}
	}
	if t.TotalJtds > 0 {
		t.SuccessRate = float64(t.Sent) / float64(t.TotalJtds)
	}
	return t, nil
}

func (m *MemStore) refsWhere(pred func(*domain.Event) bool, less func(a, b *domain.Event) bool, limit int) []QueueRef {
	var hits []*domain.Event
	for _, e := range m.events {
		if pred(e) {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return less(hits[i], hits[j]) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]QueueRef, 0, len(hits))
	for _, e := range hits {
		out = append(out, QueueRef{ID: e.ID, TenantID: e.TenantID})
	}
	return out
}

func (m *MemStore) DueScheduled(_ context.Context, now time.Time, limit int) ([]QueueRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refsWhere(
		func(e *domain.Event) bool { return e.Status == domain.Scheduled && !e.ScheduledAt.After(now) },
		func(a, b *domain.Event) bool { return a.ScheduledAt.Before(b.ScheduledAt) },
		limit), nil
}

func (m *MemStore) ReadyQueued(_ context.Context, now time.Time, limit int) ([]QueueRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refsWhere(
		func(e *domain.Event) bool {
			return e.Status == domain.Queued && !e.NextAttemptAt.After(now) && e.PurgedAt == nil
		},
		claimLess,
		limit), nil
}

func (m *MemStore) StuckProcessing(_ context.Context, before time.Time, limit int) ([]QueueRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refsWhere(
		func(e *domain.Event) bool {
			return e.Status == domain.Processing && e.ExecutedAt != nil && e.ExecutedAt.Before(before)
		},
		func(a, b *domain.Event) bool { return a.ExecutedAt.Before(*b.ExecutedAt) },
		limit), nil
}

func (m *MemStore) BlockedByCredits(_ context.Context, tenantID string, limit int) ([]QueueRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refsWhere(
		func(e *domain.Event) bool { return e.Status == domain.NoCredits && e.TenantID == tenantID },
		func(a, b *domain.Event) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit), nil
}

func (m *MemStore) Tenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, e := range m.events {
		if _, ok := seen[e.TenantID]; !ok {
			seen[e.TenantID] = struct{}{}
			out = append(out, e.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) ListDeadLetters(_ context.Context, now time.Time, page Page) ([]domain.Event, Pagination, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page = page.normalized()
	var all []domain.Event
	var oldest time.Time
	for _, e := range m.events {
		if e.Status != domain.DeadLetter || e.PurgedAt != nil {
			continue
		}
		all = append(all, *e)
		if e.CompletedAt != nil && (oldest.IsZero() || e.CompletedAt.Before(oldest)) {
			oldest = *e.CompletedAt
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ci, cj := all[i].CompletedAt, all[j].CompletedAt
		if ci != nil && cj != nil && !ci.Equal(*cj) {
			return ci.Before(*cj)
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	var oldestAge float64
	if !oldest.IsZero() {
		oldestAge = now.Sub(oldest).Seconds()
	}
	total := len(all)
	start := page.offset()
	if start >= total {
		return []domain.Event{}, NewPagination(page, total), oldestAge, nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return append([]domain.Event(nil), all[start:end]...), NewPagination(page, total), oldestAge, nil
}

func (m *MemStore) PurgeDeadLetters(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	n := 0
	for _, id := range ids {
		e, ok := m.events[id]
		if !ok || e.Status != domain.DeadLetter || e.PurgedAt != nil {
			continue
		}
		t := now
		e.PurgedAt = &t
		e.UpdatedAt = now
		n++
	}
	return n, nil
}
