package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/jtd/internal/domain"
)

// MemStore is an in-memory Store with the same semantics as the
// postgres one. It backs unit tests and the api binary in dev mode.
type MemStore struct {
	mu      sync.Mutex
	events  map[string]*domain.Event
	history []domain.HistoryEntry
	nextHID int64

	// Now is the store clock; tests override it to steer time.
	Now func() time.Time
}

func NewMem() *MemStore {
	return &MemStore{
		events: map[string]*domain.Event{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemStore) appendHistory(eventID string, from *domain.Status, to domain.Status, dur float64, reason string, actor domain.ActorType, at time.Time) {
	m.nextHID++
	var r *string
	if reason != "" {
		r = &reason
	}
	var f *domain.Status
	if from != nil {
		cp := *from
		f = &cp
	}
	m.history = append(m.history, domain.HistoryEntry{
		ID: m.nextHID, EventID: eventID, FromStatus: f, ToStatus: to,
		DurationSeconds: dur, Reason: r, PerformedByType: actor, CreatedAt: at,
	})
}

func (m *MemStore) Create(_ context.Context, p CreateParams) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
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
	e := domain.Event{
		ID:               uuid.NewString(),
		TenantID:         p.TenantID,
		EventTypeCode:    p.EventTypeCode,
		ChannelCode:      p.ChannelCode,
		SourceTypeCode:   p.SourceTypeCode,
		RecipientName:    p.RecipientName,
		RecipientContact: p.RecipientContact,
		TemplateKey:      p.TemplateKey,
		Priority:         p.Priority,
		Payload:          p.Payload,
		Status:           st,
		MaxRetries:       p.MaxRetries,
		ScheduledAt:      scheduledAt.UTC(),
		NextAttemptAt:    scheduledAt.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
		PerformedByType:  actor,
		PerformedByName:  p.PerformedByName,
	}
	m.events[e.ID] = &e
	m.appendHistory(e.ID, nil, st, 0, "", actor, now)
	return e, nil
}

func (m *MemStore) Get(_ context.Context, id string) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	return *e, nil
}

func (m *MemStore) Transition(_ context.Context, id string, to domain.Status, opts TransitionOpts) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	if !domain.CanTransition(e.Status, to) {
		return *e, domain.InvalidTransition(e.Status, to)
	}
	now := m.Now()
	actor := opts.Actor
	if actor == "" {
		actor = domain.ActorSystem
	}
	from := e.Status
	dur := now.Sub(e.UpdatedAt).Seconds()

	e.Status = to
	if opts.RetryCount != nil {
		e.RetryCount = *opts.RetryCount
	}
	if opts.NextAttemptAt != nil {
		t := opts.NextAttemptAt.UTC()
		e.NextAttemptAt = t
	}
	if opts.ErrorCode != nil {
		e.ErrorCode = opts.ErrorCode
	}
	if opts.ErrorMessage != nil {
		e.ErrorMessage = opts.ErrorMessage
	}
	if opts.Cost != nil {
		e.Cost = opts.Cost
	}
	if opts.ProviderCode != nil {
		e.ProviderCode = opts.ProviderCode
	}
	if opts.ChannelCode != nil {
		e.ChannelCode = opts.ChannelCode
	}
	switch to {
	case domain.Processing:
		t := now
		e.ExecutedAt = &t
		e.CompletedAt = nil
	case domain.Sent, domain.Cancelled, domain.DeadLetter:
		t := now
		e.CompletedAt = &t
	case domain.Queued:
		e.CompletedAt = nil
	}
	e.PerformedByType = actor
	e.PerformedByName = opts.ActorName
	e.UpdatedAt = now

	m.appendHistory(id, &from, to, dur, opts.Reason, actor, now)
	return *e, nil
}

func (m *MemStore) Claim(_ context.Context, id string) (domain.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != domain.Queued || e.NextAttemptAt.After(m.Now()) {
		return domain.Event{}, false, nil
	}
	return m.claimLocked(e), true, nil
}

func claimLess(a, b *domain.Event) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemStore) claimLocked(e *domain.Event) domain.Event {
	now := m.Now()
	from := e.Status
	e.Status = domain.Processing
	t := now
	e.ExecutedAt = &t
	e.CompletedAt = nil
	e.UpdatedAt = now
	m.appendHistory(e.ID, &from, domain.Processing, 0, "claimed", domain.ActorSystem, now)
	return *e
}

func (m *MemStore) History(_ context.Context, eventID string) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.HistoryEntry
	for _, h := range m.history {
		if h.EventID == eventID {
			out = append(out, h)
		}
	}
	return out, nil
}

func matches(e *domain.Event, f Filter) bool {
	if e.PurgedAt != nil {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.EventTypeCode != "" && e.EventTypeCode != f.EventTypeCode {
		return false
	}
	if f.ChannelCode != "" && (e.ChannelCode == nil || *e.ChannelCode != f.ChannelCode) {
		return false
	}
	if f.SourceTypeCode != "" && e.SourceTypeCode != f.SourceTypeCode {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		var em string
		if e.ErrorMessage != nil {
			em = *e.ErrorMessage
		}
		if !strings.Contains(strings.ToLower(e.RecipientName), q) &&
			!strings.Contains(strings.ToLower(e.RecipientContact), q) &&
			!strings.Contains(strings.ToLower(em), q) {
			return false
		}
	}
	return true
}

func (m *MemStore) List(_ context.Context, f Filter, page Page) ([]domain.Event, Pagination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page = page.normalized()
	var all []domain.Event
	for _, e := range m.events {
		if matches(e, f) {
			all = append(all, *e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	start := page.offset()
	if start >= total {
		return []domain.Event{}, NewPagination(page, total), nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return append([]domain.Event(nil), all[start:end]...), NewPagination(page, total), nil
}
