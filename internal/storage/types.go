package storage

import (
	"time"

	"github.com/you/jtd/internal/domain"
)

// CreateParams carries everything a producer supplies when enqueueing a
// new event. Status and bookkeeping fields are owned by the store.
type CreateParams struct {
	TenantID         string
	EventTypeCode    string
	SourceTypeCode   string
	ChannelCode      *string
	RecipientName    string
	RecipientContact string
	TemplateKey      *string
	Priority         int
	Payload          map[string]any
	MaxRetries       int
	ScheduledAt      time.Time
	PerformedByType  domain.ActorType
	PerformedByName  string
}

// TransitionOpts are the optional field writes that ride along with a
// status transition. Only the dispatcher and admin actions populate
// these; a plain transition leaves everything nil.
type TransitionOpts struct {
	Reason        string
	Actor         domain.ActorType
	ActorName     string
	ErrorCode     *string
	ErrorMessage  *string
	Cost          *float64
	ProviderCode  *string
	ChannelCode   *string
	NextAttemptAt *time.Time
	RetryCount    *int
}

// Filter narrows event listings. Zero values mean "no constraint".
type Filter struct {
	TenantID       string
	Status         domain.Status
	EventTypeCode  string
	ChannelCode    string
	SourceTypeCode string
	From           *time.Time
	To             *time.Time
	Search         string
}

type Page struct {
	Page  int
	Limit int
}

func (p Page) normalized() Page {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

type Pagination struct {
	Page         int  `json:"page"`
	Limit        int  `json:"limit"`
	TotalPages   int  `json:"total_pages"`
	TotalRecords int  `json:"total_records"`
	HasNext      bool `json:"has_next"`
	HasPrev      bool `json:"has_prev"`
}

// NewPagination derives a consistent pagination block for any
// (page, limit, total) triple, including empty result sets.
func NewPagination(p Page, total int) Pagination {
	p = p.normalized()
	pages := total / p.Limit
	if total%p.Limit != 0 {
		pages++
	}
	if pages == 0 {
		pages = 1
	}
	return Pagination{
		Page:         p.Page,
		Limit:        p.Limit,
		TotalPages:   pages,
		TotalRecords: total,
		HasNext:      p.Page < pages,
		HasPrev:      p.Page > 1,
	}
}

// QueueSnapshot is the derived view of one queue-like status bucket.
type QueueSnapshot struct {
	Length       int     `json:"length"`
	OldestAgeSec float64 `json:"oldest_age_sec"`
}

// Actionable buckets events an operator may need to act on.
type Actionable struct {
	CurrentlyProcessing int `json:"currently_processing"`
	FailedRetryable     int `json:"failed_retryable"`
	ScheduledDue        int `json:"scheduled_due"`
	NoCreditsWaiting    int `json:"no_credits_waiting"`
}

// Throughput aggregates attempt outcomes from the status history.
type Throughput struct {
	SentLast1h     int        `json:"last_1h"`
	SentLast24h    int        `json:"last_24h"`
	AvgDurationSec float64    `json:"avg_duration_sec"`
	ErrorsLast1h   int        `json:"errors_last_1h"`
	ErrorsLast24h  int        `json:"errors_last_24h"`
	ErrorRate1h    float64    `json:"error_rate_1h"`
	LastExecutedAt *time.Time `json:"last_executed_at"`
}

// Breakdown24h groups the last day's events by type and channel.
type Breakdown24h struct {
	ByEventType map[string]int `json:"by_event_type"`
	ByChannel   map[string]int `json:"by_channel"`
}

// TenantStats is one row of the per-tenant aggregate view.
type TenantStats struct {
	TenantID    string         `json:"tenant_id"`
	TotalJtds   int            `json:"total_jtds"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	NoCredits   int            `json:"no_credits"`
	TotalCost   float64        `json:"total_cost"`
	SuccessRate float64        `json:"success_rate"`
	ByChannel   map[string]int `json:"by_channel"`
}

// TenantStatsSort names an aggregate column to order by.
type TenantStatsSort struct {
	Column string // tenant_id, total_jtds, sent, failed, no_credits, total_cost, success_rate
	Desc   bool
}
