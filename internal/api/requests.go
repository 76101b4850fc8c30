package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
	"github.com/nerrad567/gray-logic-halink/internal/queue"
)

// maxCallTimeout caps the timeout a caller may ask /call to wait.
const maxCallTimeout = 5 * time.Minute

// requestBody is the body of POST /instances/{id}/requests and /call.
type requestBody struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Subscription bool            `json:"subscription"`

	// TimeoutMS overrides the producer deadline for /call.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// requestStatus is the poll view of one queue entry.
type requestStatus struct {
	RequestID string `json:"request_id"`
	queue.Snapshot
}

// handleEnqueueRequest queues a request and returns its ID without waiting.
func (s *Server) handleEnqueueRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCallRequest(w, r)
	if !ok {
		return
	}

	requestID, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.record(r, audit.ActionEnqueue, req.InstanceID, audit.OutcomeOK, map[string]any{
		"request_id": requestID,
		"type":       req.MessageType,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

// handleCall queues a request and waits for its outcome. Failures are part of
// the outcome body, not the HTTP status.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCallRequest(w, r)
	if !ok {
		return
	}

	// A subscription can outlive the server's write timeout.
	//nolint:errcheck // Not every writer supports deadlines; the default timeout then applies
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	outcome := s.queue.Call(r.Context(), req)
	result := audit.OutcomeOK
	if !outcome.Success {
		result = audit.OutcomeFailed
	}
	s.record(r, audit.ActionCall, req.InstanceID, result, map[string]any{
		"request_id": outcome.RequestID,
		"type":       req.MessageType,
		"state":      string(outcome.State),
	})
	writeJSON(w, http.StatusOK, outcome)
}

// decodeCallRequest reads and validates the request body, and checks the
// instance exists.
func (s *Server) decodeCallRequest(w http.ResponseWriter, r *http.Request) (queue.CallRequest, bool) {
	id, ok := instanceIDParam(w, r)
	if !ok {
		return queue.CallRequest{}, false
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return queue.CallRequest{}, false
	}
	body.Type = strings.TrimSpace(body.Type)
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "type is required")
		return queue.CallRequest{}, false
	}
	if len(body.Payload) > 0 && !isJSONObject(body.Payload) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "payload must be a JSON object")
		return queue.CallRequest{}, false
	}
	timeout := time.Duration(body.TimeoutMS) * time.Millisecond
	if timeout < 0 || timeout > maxCallTimeout {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "timeout_ms is out of range")
		return queue.CallRequest{}, false
	}

	if _, err := s.instances.Status(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return queue.CallRequest{}, false
	}

	return queue.CallRequest{
		InstanceID:   id,
		MessageType:  body.Type,
		Payload:      body.Payload,
		Subscription: body.Subscription,
		Timeout:      timeout,
	}, true
}

// handlePollRequest returns a request's current state without waiting.
func (s *Server) handlePollRequest(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	snap, err := s.queue.PollOnce(r.Context(), rid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestStatus{RequestID: rid, Snapshot: snap})
}

// handleRequestEvents returns a subscription's events after ?after=<seq>.
func (s *Server) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")

	after := 0
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "after must be a non-negative integer")
			return
		}
		after = n
	}

	if _, err := s.queue.PollOnce(r.Context(), rid); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	events, err := s.queue.Events(r.Context(), rid, after)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []queue.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": rid,
		"events":     events,
	})
}

// handleCloseRequest ends a live subscription from the producer side.
func (s *Server) handleCloseRequest(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	if err := s.queue.CloseSubscription(r.Context(), rid); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	snap, err := s.queue.PollOnce(r.Context(), rid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestStatus{RequestID: rid, Snapshot: snap})
}

// handleDeleteRequest removes a request entry.
func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Delete(r.Context(), chi.URLParam(r, "rid")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
