package domain

import "time"

type Status string

const (
	Scheduled  Status = "scheduled"
	Queued     Status = "queued"
	Processing Status = "processing"
	Sent       Status = "sent"
	Failed     Status = "failed"
	NoCredits  Status = "no_credits"
	Cancelled  Status = "cancelled"
	DeadLetter Status = "dead_letter"
)

type ActorType string

const (
	ActorSystem     ActorType = "system"
	ActorUser       ActorType = "user"
	ActorAutomation ActorType = "automation"
)

// Event is one outbound dispatch unit (a "JTD"), tracked end-to-end.
type Event struct {
	ID               string
	TenantID         string
	EventTypeCode    string
	ChannelCode      *string
	SourceTypeCode   string
	RecipientName    string
	RecipientContact string
	TemplateKey      *string
	Priority         int
	Payload          map[string]any
	Status           Status
	RetryCount       int
	MaxRetries       int
	Cost             *float64
	ProviderCode     *string
	ErrorCode        *string
	ErrorMessage     *string
	ScheduledAt      time.Time
	NextAttemptAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExecutedAt       *time.Time
	CompletedAt      *time.Time
	PurgedAt         *time.Time
	PerformedByType  ActorType
	PerformedByName  string
}

// HistoryEntry is one row of the append-only status audit trail.
type HistoryEntry struct {
	ID              int64
	EventID         string
	FromStatus      *Status
	ToStatus        Status
	DurationSeconds float64
	Reason          *string
	PerformedByType ActorType
	CreatedAt       time.Time
}

// Terminal reports whether no further automatic transition applies.
// dead_letter is terminal for the dispatcher but still admin-requeueable.
func (s Status) Terminal() bool {
	return s == Sent || s == Cancelled
}

func (e *Event) Due(now time.Time) bool {
	return !e.NextAttemptAt.After(now)
}
