package api

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
	"github.com/you/jtd/internal/storage"
)

// Every operator action moves events through the same state machine
// the dispatcher uses; none of them patch fields directly.

type actionRequest struct {
	IDs         []string `json:"ids"`
	PerformedBy string   `json:"performed_by"`
	Reason      string   `json:"reason"`
}

type actionFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type actionResponse struct {
	Requested int             `json:"requested"`
	Updated   int             `json:"updated"`
	Failures  []actionFailure `json:"failures,omitempty"`
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return req, false
	}
	return req, true
}

func actionStatus(resp actionResponse) int {
	if resp.Updated == 0 && len(resp.Failures) > 0 {
		return http.StatusConflict
	}
	return http.StatusOK
}

// actionRetry force-requeues failed or dead-lettered events. A
// dead-letter requeue gets a fresh retry budget (an operator
// intervened); a failed event keeps its current count.
func (s *Server) actionRetry(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	resp := actionResponse{Requested: len(req.IDs)}
	now := time.Now().UTC()
	for _, id := range req.IDs {
		e, err := s.store.Get(r.Context(), id)
		if err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		if e.Status != domain.Failed && e.Status != domain.DeadLetter {
			// only settled failures are retryable; in-flight and pending
			// events must not be yanked back into the queue
			resp.Failures = append(resp.Failures, actionFailure{
				ID: id, Error: domain.InvalidTransition(e.Status, domain.Queued).Error(),
			})
			continue
		}
		opts := storage.TransitionOpts{
			Reason:        "operator retry",
			Actor:         domain.ActorUser,
			ActorName:     req.PerformedBy,
			NextAttemptAt: &now,
		}
		if e.Status == domain.DeadLetter {
			zero := 0
			opts.RetryCount = &zero
			opts.Reason = "operator requeue from dead letter"
		}
		if _, err := s.store.Transition(r.Context(), id, domain.Queued, opts); err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		s.pushReady(r, e.TenantID, id, now)
		resp.Updated++
	}
	writeJSON(w, actionStatus(resp), resp)
}

func (s *Server) actionCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	resp := actionResponse{Requested: len(req.IDs)}
	for _, id := range req.IDs {
		e, err := s.store.Get(r.Context(), id)
		if err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		if !domain.Cancellable(e.Status) {
			resp.Failures = append(resp.Failures, actionFailure{
				ID: id, Error: domain.InvalidTransition(e.Status, domain.Cancelled).Error(),
			})
			continue
		}
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		if _, err := s.store.Transition(r.Context(), id, domain.Cancelled, storage.TransitionOpts{
			Reason:    reason,
			Actor:     domain.ActorUser,
			ActorName: req.PerformedBy,
		}); err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		resp.Updated++
	}
	writeJSON(w, actionStatus(resp), resp)
}

// actionForceComplete marks events sent without a provider call.
func (s *Server) actionForceComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	resp := actionResponse{Requested: len(req.IDs)}
	for _, id := range req.IDs {
		reason := req.Reason
		if reason == "" {
			reason = "force-completed by operator"
		}
		if _, err := s.store.Transition(r.Context(), id, domain.Sent, storage.TransitionOpts{
			Reason:    reason,
			Actor:     domain.ActorUser,
			ActorName: req.PerformedBy,
		}); err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		resp.Updated++
	}
	writeJSON(w, actionStatus(resp), resp)
}

// actionRequeueDLQ returns dead-lettered events to the queue with
// retry_count reset to zero.
func (s *Server) actionRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	resp := actionResponse{Requested: len(req.IDs)}
	now := time.Now().UTC()
	zero := 0
	for _, id := range req.IDs {
		e, err := s.store.Get(r.Context(), id)
		if err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		if e.Status != domain.DeadLetter {
			resp.Failures = append(resp.Failures, actionFailure{
				ID: id, Error: errors.Wrapf(domain.ErrInvalidTransition, "%s is not dead-lettered", id).Error(),
			})
			continue
		}
		if _, err := s.store.Transition(r.Context(), id, domain.Queued, storage.TransitionOpts{
			Reason:        "operator requeue from dead letter",
			Actor:         domain.ActorUser,
			ActorName:     req.PerformedBy,
			RetryCount:    &zero,
			NextAttemptAt: &now,
		}); err != nil {
			resp.Failures = append(resp.Failures, actionFailure{ID: id, Error: err.Error()})
			continue
		}
		s.pushReady(r, e.TenantID, id, now)
		resp.Updated++
	}
	writeJSON(w, actionStatus(resp), resp)
}

// actionPurgeDLQ hides dead-lettered events from active queries for
// good. History stays for audit.
func (s *Server) actionPurgeDLQ(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	n, err := s.store.PurgeDeadLetters(r.Context(), req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("dlq purge",
		zap.String("performed_by", req.PerformedBy),
		zap.Int("requested", len(req.IDs)),
		zap.Int("purged", n))
	writeJSON(w, http.StatusOK, actionResponse{Requested: len(req.IDs), Updated: n})
}

func (s *Server) pushReady(r *http.Request, tenant, id string, at time.Time) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(r.Context(), tenant, id, at); err != nil {
		s.log.Warn("enqueue after action", zap.String("event_id", id), zap.Error(err))
	}
}
