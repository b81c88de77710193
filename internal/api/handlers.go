package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

func (s *Server) queueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.health.QueueMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) workerHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.health.WorkerHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type createEventRequest struct {
	TenantID         string         `json:"tenant_id"`
	EventTypeCode    string         `json:"event_type_code"`
	SourceTypeCode   string         `json:"source_type_code"`
	ChannelCode      *string        `json:"channel_code"`
	RecipientName    string         `json:"recipient_name"`
	RecipientContact string         `json:"recipient_contact"`
	TemplateKey      *string        `json:"template_key"`
	Priority         *int           `json:"priority"`
	Payload          map[string]any `json:"payload"`
	MaxRetries       *int           `json:"max_retries"`
	ScheduledAt      *time.Time     `json:"scheduled_at"`
	PerformedByType  string         `json:"performed_by_type"`
	PerformedByName  string         `json:"performed_by_name"`
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" || req.EventTypeCode == "" || req.RecipientContact == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, event_type_code and recipient_contact are required")
		return
	}
	p := storage.CreateParams{
		TenantID:         req.TenantID,
		EventTypeCode:    req.EventTypeCode,
		SourceTypeCode:   req.SourceTypeCode,
		ChannelCode:      req.ChannelCode,
		RecipientName:    req.RecipientName,
		RecipientContact: req.RecipientContact,
		TemplateKey:      req.TemplateKey,
		Priority:         100,
		Payload:          req.Payload,
		MaxRetries:       s.defaultMaxRetries(),
		PerformedByType:  domain.ActorType(req.PerformedByType),
		PerformedByName:  req.PerformedByName,
	}
	if req.Priority != nil {
		p.Priority = *req.Priority
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		p.MaxRetries = *req.MaxRetries
	}
	if req.ScheduledAt != nil {
		p.ScheduledAt = *req.ScheduledAt
	}
	e, err := s.store.Create(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.queue != nil && e.Status == domain.Queued {
		if err := s.queue.Enqueue(r.Context(), e.TenantID, e.ID, e.NextAttemptAt); err != nil {
			// scheduler reconciliation will pick it up
			s.log.Warn("enqueue created event", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, toEventView(e))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		TenantID:       strings.TrimSpace(q.Get("tenant")),
		Status:         domain.Status(strings.TrimSpace(q.Get("status"))),
		EventTypeCode:  strings.TrimSpace(q.Get("event_type")),
		ChannelCode:    strings.TrimSpace(q.Get("channel")),
		SourceTypeCode: strings.TrimSpace(q.Get("source_type")),
		From:           parseTimeParam(r, "from"),
		To:             parseTimeParam(r, "to"),
		Search:         strings.TrimSpace(q.Get("q")),
	}
	events, pg, err := s.store.List(r.Context(), f, pageFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "pagination": pg})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.Get(r.Context(), id)
	if errors.Cause(err) == domain.ErrNotFound {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hist, err := s.store.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":   toEventView(e),
		"history": toHistoryViews(hist),
	})
}

func (s *Server) tenantStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sort := storage.TenantStatsSort{
		Column: strings.TrimSpace(q.Get("sort_by")),
		Desc:   strings.EqualFold(q.Get("order"), "desc"),
	}
	stats, pg, err := s.store.TenantStatsPage(r.Context(), sort, pageFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	global, err := s.store.GlobalStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants":    stats,
		"global":     global,
		"pagination": pg,
	})
}

func (s *Server) dlqMessages(w http.ResponseWriter, r *http.Request) {
	events, pg, oldestAge, err := s.store.ListDeadLetters(r.Context(), time.Now().UTC(), pageFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       views,
		"oldest_age_sec": oldestAge,
		"pagination":     pg,
	})
}

type topUpRequest struct {
	TenantID string  `json:"tenant_id"`
	Amount   float64 `json:"amount"`
}

func (s *Server) creditTopUp(w http.ResponseWriter, r *http.Request) {
	if s.topup == nil {
		writeError(w, http.StatusServiceUnavailable, "credit ledger not configured")
		return
	}
	var req topUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id and a positive amount are required")
		return
	}
	balance, released, err := s.topup.TopUp(r.Context(), req.TenantID, req.Amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": req.TenantID,
		"balance":   balance,
		"released":  released,
	})
}
