package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pageFromQuery(r *http.Request) storage.Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return storage.Page{Page: page, Limit: limit}
}

// eventView is the JSON shape of one event on the admin surface.
type eventView struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	EventTypeCode    string         `json:"event_type_code"`
	ChannelCode      *string        `json:"channel_code"`
	SourceTypeCode   string         `json:"source_type_code"`
	RecipientName    string         `json:"recipient_name"`
	RecipientContact string         `json:"recipient_contact"`
	TemplateKey      *string        `json:"template_key,omitempty"`
	Priority         int            `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           domain.Status  `json:"status_code"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	Cost             *float64       `json:"cost,omitempty"`
	ProviderCode     *string        `json:"provider_code,omitempty"`
	ErrorCode        *string        `json:"error_code,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	ScheduledAt      string         `json:"scheduled_at"`
	CreatedAt        string         `json:"created_at"`
	ExecutedAt       *string        `json:"executed_at,omitempty"`
	CompletedAt      *string        `json:"completed_at,omitempty"`
	PerformedByType  string         `json:"performed_by_type"`
	PerformedByName  string         `json:"performed_by_name,omitempty"`
}

func toEventView(e domain.Event) eventView {
	return eventView{
		ID:               e.ID,
		TenantID:         e.TenantID,
		EventTypeCode:    e.EventTypeCode,
		ChannelCode:      e.ChannelCode,
		SourceTypeCode:   e.SourceTypeCode,
		RecipientName:    e.RecipientName,
		RecipientContact: e.RecipientContact,
		TemplateKey:      e.TemplateKey,
		Priority:         e.Priority,
		Payload:          e.Payload,
		Status:           e.Status,
		RetryCount:       e.RetryCount,
		MaxRetries:       e.MaxRetries,
		Cost:             e.Cost,
		ProviderCode:     e.ProviderCode,
		ErrorCode:        e.ErrorCode,
		ErrorMessage:     e.ErrorMessage,
		ScheduledAt:      e.ScheduledAt.UTC().Format(time.RFC3339),
		CreatedAt:        e.CreatedAt.UTC().Format(time.RFC3339),
		ExecutedAt:       tsOrNil(e.ExecutedAt),
		CompletedAt:      tsOrNil(e.CompletedAt),
		PerformedByType:  string(e.PerformedByType),
		PerformedByName:  e.PerformedByName,
	}
}

func tsOrNil(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type historyView struct {
	FromStatus      *domain.Status `json:"from_status_code"`
	ToStatus        domain.Status  `json:"to_status_code"`
	DurationSeconds float64        `json:"duration_seconds"`
	Reason          *string        `json:"reason,omitempty"`
	PerformedByType string         `json:"performed_by_type"`
	CreatedAt       string         `json:"created_at"`
}

func toHistoryViews(hs []domain.HistoryEntry) []historyView {
	out := make([]historyView, 0, len(hs))
	for _, h := range hs {
		out = append(out, historyView{
			FromStatus:      h.FromStatus,
			ToStatus:        h.ToStatus,
			DurationSeconds: h.DurationSeconds,
			Reason:          h.Reason,
			PerformedByType: string(h.PerformedByType),
			CreatedAt:       h.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func parseTimeParam(r *http.Request, key string) *time.Time {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
