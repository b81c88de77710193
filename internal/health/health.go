// Package health computes the derived queue metrics and worker-health
// status. Everything here is computed on read from the event store;
// nothing is persisted, so the store stays the single source of truth.
package health

import (
	"context"
	"time"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusIdle     HealthStatus = "idle"
	StatusDegraded HealthStatus = "degraded"
	StatusStalled  HealthStatus = "stalled"
	StatusUnknown  HealthStatus = "unknown"
)

// Source is the read-only slice of the store health derives from.
type Source interface {
	MainQueue(ctx context.Context, now time.Time) (storage.QueueSnapshot, error)
	DLQ(ctx context.Context, now time.Time) (storage.QueueSnapshot, error)
	StatusDistribution(ctx context.Context) (map[domain.Status]int, error)
	ActionableCounts(ctx context.Context, now time.Time) (storage.Actionable, error)
	LastDay(ctx context.Context, now time.Time) (storage.Breakdown24h, error)
	ThroughputStats(ctx context.Context, now time.Time) (storage.Throughput, error)
	StuckCount(ctx context.Context, before time.Time) (int, error)
}

type Thresholds struct {
	StaleAfter         time.Duration
	ErrorRateThreshold float64
	VisibilityTimeout  time.Duration
}

type Service struct {
	src Source
	th  Thresholds

	// now is swapped in tests
	now func() time.Time
}

func NewService(src Source, th Thresholds) *Service {
	return &Service{src: src, th: th, now: func() time.Time { return time.Now().UTC() }}
}

type QueueMetrics struct {
	MainQueue          storage.QueueSnapshot `json:"main_queue"`
	DLQ                storage.QueueSnapshot `json:"dlq"`
	Actionable         storage.Actionable    `json:"actionable"`
	StatusDistribution map[domain.Status]int `json:"status_distribution"`
	Last24h            storage.Breakdown24h  `json:"last_24h"`
	Alerts             []string              `json:"alerts"`
}

type ThroughputView struct {
	Last1h         int     `json:"last_1h"`
	Last24h        int     `json:"last_24h"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

type ErrorsView struct {
	Last1h      int     `json:"last_1h"`
	Last24h     int     `json:"last_24h"`
	ErrorRate1h float64 `json:"error_rate_1h"`
}

type QueueView struct {
	Length       int     `json:"length"`
	OldestAgeSec float64 `json:"oldest_age_sec"`
	DLQLength    int     `json:"dlq_length"`
}

type WorkerHealth struct {
	Status              HealthStatus   `json:"status"`
	Throughput          ThroughputView `json:"throughput"`
	Errors              ErrorsView     `json:"errors"`
	StuckCount          int            `json:"stuck_count"`
	CurrentlyProcessing int            `json:"currently_processing"`
	Queue               QueueView      `json:"queue"`
	LastExecutedAt      *time.Time     `json:"last_executed_at"`
	Alerts              []string       `json:"alerts"`
}

func (s *Service) QueueMetrics(ctx context.Context) (QueueMetrics, error) {
	now := s.now()
	var m QueueMetrics
	var err error
	if m.MainQueue, err = s.src.MainQueue(ctx, now); err != nil {
		return m, err
	}
	if m.DLQ, err = s.src.DLQ(ctx, now); err != nil {
		return m, err
	}
	if m.Actionable, err = s.src.ActionableCounts(ctx, now); err != nil {
		return m, err
	}
	if m.StatusDistribution, err = s.src.StatusDistribution(ctx); err != nil {
		return m, err
	}
	if m.Last24h, err = s.src.LastDay(ctx, now); err != nil {
		return m, err
	}
	tp, err := s.src.ThroughputStats(ctx, now)
	if err != nil {
		return m, err
	}
	m.Alerts = s.alerts(m.DLQ.Length, tp.ErrorRate1h, "")
	return m, nil
}

func (s *Service) WorkerHealth(ctx context.Context) (WorkerHealth, error) {
	now := s.now()
	var h WorkerHealth

	main, err := s.src.MainQueue(ctx, now)
	if err != nil {
		return h, err
	}
	dlq, err := s.src.DLQ(ctx, now)
	if err != nil {
		return h, err
	}
	tp, err := s.src.ThroughputStats(ctx, now)
	if err != nil {
		return h, err
	}
	act, err := s.src.ActionableCounts(ctx, now)
	if err != nil {
		return h, err
	}
	stuck, err := s.src.StuckCount(ctx, now.Add(-s.th.VisibilityTimeout))
	if err != nil {
		return h, err
	}

	h.Throughput = ThroughputView{Last1h: tp.SentLast1h, Last24h: tp.SentLast24h, AvgDurationSec: tp.AvgDurationSec}
	h.Errors = ErrorsView{Last1h: tp.ErrorsLast1h, Last24h: tp.ErrorsLast24h, ErrorRate1h: tp.ErrorRate1h}
	h.StuckCount = stuck
	h.CurrentlyProcessing = act.CurrentlyProcessing
	h.Queue = QueueView{Length: main.Length, OldestAgeSec: main.OldestAgeSec, DLQLength: dlq.Length}
	h.LastExecutedAt = tp.LastExecutedAt
	h.Status = s.derive(now, main, tp, stuck, act.CurrentlyProcessing)
	h.Alerts = s.alerts(dlq.Length, tp.ErrorRate1h, h.Status)
	return h, nil
}

// derive picks the worker-health label, first match wins. Staleness
// outranks error rate: a dispatcher that stopped consuming entirely is
// worse than one erroring at an elevated rate.
func (s *Service) derive(now time.Time, main storage.QueueSnapshot, tp storage.Throughput, stuck, processing int) HealthStatus {
	switch {
	case tp.LastExecutedAt == nil:
		return StatusUnknown
	case main.Length > 0 && now.Sub(*tp.LastExecutedAt) > s.th.StaleAfter:
		return StatusStalled
	case stuck > 0 || tp.ErrorRate1h > s.th.ErrorRateThreshold:
		return StatusDegraded
	case main.Length == 0 && processing == 0:
		return StatusIdle
	default:
		return StatusHealthy
	}
}

func (s *Service) alerts(dlqLen int, errorRate float64, status HealthStatus) []string {
	alerts := []string{}
	if dlqLen > 0 {
		alerts = append(alerts, "dlq_not_empty")
	}
	if errorRate > s.th.ErrorRateThreshold {
		alerts = append(alerts, "error_rate_high")
	}
	if status == StatusDegraded || status == StatusStalled {
		alerts = append(alerts, "worker_"+string(status))
	}
	return alerts
}
