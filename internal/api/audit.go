package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
)

// auditWriteTimeout bounds recording one entry after the request finished.
const auditWriteTimeout = 5 * time.Second

// record writes an audit entry for the caller. Failures are logged and never
// fail the request.
func (s *Server) record(r *http.Request, action string, instanceID int64, outcome string, details map[string]any) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()

	err := s.audit.Create(ctx, &audit.Entry{
		Action:     action,
		InstanceID: instanceID,
		Caller:     callerName(r),
		Source:     "api",
		Outcome:    outcome,
		Details:    details,
	})
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "instance_id", instanceID, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
// Query: action, instance_id, caller, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		Caller: q.Get("caller"),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}
	if v := q.Get("instance_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeBadRequest(w, "instance_id must be a positive integer")
			return
		}
		filter.InstanceID = id
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
