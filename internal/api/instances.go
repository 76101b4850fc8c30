package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/instance"
	"github.com/nerrad567/gray-logic-halink/internal/status"
)

// instanceResponse is the detail view of one instance.
type instanceResponse struct {
	instance.Status
	ConfigChanged  bool               `json:"config_changed"`
	LastTransition *status.Transition `json:"last_transition,omitempty"`
}

// handleListInstances returns the status of every configured instance.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.instances.Statuses(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": statuses,
		"count":     len(statuses),
	})
}

// handleGetInstance returns one instance's status, drift and last transition.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	st, err := s.instances.Status(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	changed, err := s.instances.IsConfigChanged(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := instanceResponse{Status: st, ConfigChanged: changed}
	if s.recorder != nil {
		if tr, ok := s.recorder.Last(id); ok {
			resp.LastTransition = &tr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartInstance starts an instance's session. Starting a running
// instance succeeds without effect.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDParam(w, r)
	if !ok {
		return
	}
	if err := s.instances.Start(r.Context(), id); err != nil {
		s.record(r, audit.ActionStart, id, audit.OutcomeFailed, map[string]any{"error": err.Error()})
		s.writeDomainError(w, r, err)
		return
	}
	s.record(r, audit.ActionStart, id, audit.OutcomeOK, nil)
	s.logger.Info("instance start requested", "instance_id", id, "caller", callerName(r))
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "started": true})
}

// handleStopInstance stops an instance's session.
func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDParam(w, r)
	if !ok {
		return
	}
	res := s.instances.Stop(r.Context(), id)
	s.record(r, audit.ActionStop, id, audit.OutcomeOK, map[string]any{
		"was_running": res.WasRunning,
		"graceful":    res.Graceful,
	})
	s.logger.Info("instance stop requested", "instance_id", id, "caller", callerName(r), "graceful", res.Graceful)
	writeJSON(w, http.StatusOK, res)
}

// handleRestartInstance restarts an instance. A restart inside the cooldown
// window is refused with 429 unless ?force=true.
func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "force must be a boolean")
			return
		}
		force = parsed
	}

	res, err := s.instances.Restart(r.Context(), id, force)
	if err != nil {
		s.record(r, audit.ActionRestart, id, audit.OutcomeFailed, map[string]any{"error": err.Error(), "force": force})
		s.writeDomainError(w, r, err)
		return
	}
	if res.TooSoon {
		s.record(r, audit.ActionRestart, id, audit.OutcomeRefused, map[string]any{"retry_after_ms": res.RetryAfterMS})
		w.Header().Set("Retry-After", strconv.FormatInt((res.RetryAfterMS+999)/1000, 10))
		writeJSON(w, http.StatusTooManyRequests, res)
		return
	}

	s.record(r, audit.ActionRestart, id, audit.OutcomeOK, map[string]any{"force": force})
	s.logger.Info("instance restarted", "instance_id", id, "caller", callerName(r), "force", force)
	writeJSON(w, http.StatusOK, res)
}

// instanceIDParam parses the {id} URL parameter, writing a 400 on failure.
func instanceIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "instance id must be a positive integer")
		return 0, false
	}
	return id, true
}

// callerName returns the token subject for logging.
func callerName(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
