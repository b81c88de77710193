package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/health"
	"github.com/you/jtd/internal/storage"
)

// Store is everything the admin surface reads and the action endpoints
// mutate. Both the postgres and the in-memory store satisfy it.
type Store interface {
	Create(ctx context.Context, p storage.CreateParams) (domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
	Transition(ctx context.Context, id string, to domain.Status, opts storage.TransitionOpts) (domain.Event, error)
	List(ctx context.Context, f storage.Filter, page storage.Page) ([]domain.Event, storage.Pagination, error)
	History(ctx context.Context, eventID string) ([]domain.HistoryEntry, error)
	TenantStatsPage(ctx context.Context, sort storage.TenantStatsSort, page storage.Page) ([]storage.TenantStats, storage.Pagination, error)
	GlobalStats(ctx context.Context) (storage.TenantStats, error)
	ListDeadLetters(ctx context.Context, now time.Time, page storage.Page) ([]domain.Event, storage.Pagination, float64, error)
	PurgeDeadLetters(ctx context.Context, ids []string) (int, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, tenant, eventID string, readyAt time.Time) error
}

type topUpper interface {
	TopUp(ctx context.Context, tenantID string, amount float64) (float64, int, error)
}

type Server struct {
	store  Store
	health *health.Service
	topup  topUpper // nil when no ledger is wired (dev)
	queue  enqueuer // nil in dev mode
	log    *zap.Logger

	// DefaultMaxRetries applies to created events that don't set their
	// own. Zero falls back to 3.
	DefaultMaxRetries int
}

func NewServer(store Store, hs *health.Service, topup topUpper, queue enqueuer, log *zap.Logger) *Server {
	return &Server{store: store, health: hs, topup: topup, queue: queue, log: log}
}

func (s *Server) defaultMaxRetries() int {
	if s.DefaultMaxRetries > 0 {
		return s.DefaultMaxRetries
	}
	return 3
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jtd", func(r chi.Router) {
		r.Get("/queue/metrics", s.queueMetrics)
		r.Get("/worker/health", s.workerHealth)

		r.Post("/events", s.createEvent)
		r.Get("/events", s.listEvents)
		r.Get("/events/{id}", s.getEvent)

		r.Get("/tenants/stats", s.tenantStats)
		r.Get("/dlq/messages", s.dlqMessages)

		r.Post("/actions/retry", s.actionRetry)
		r.Post("/actions/cancel", s.actionCancel)
		r.Post("/actions/force-complete", s.actionForceComplete)
		r.Post("/actions/requeue-dlq", s.actionRequeueDLQ)
		r.Post("/actions/purge-dlq", s.actionPurgeDLQ)

		r.Post("/credits/topup", s.creditTopUp)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
