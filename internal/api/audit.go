package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
)

// auditChanSize is the buffer size for the async audit log channel.
// Entries beyond this are dropped to avoid back-pressure on requests.
const auditChanSize = 256

// auditLog enqueues an audit entry for the request. A failed command is
// recorded with its error.
func (s *Server) auditLog(r *http.Request, action string, featureID *int, details map[string]any, cmdErr error) {
	if s.auditRepo == nil || s.auditCh == nil {
		return
	}

	if details == nil {
		details = make(map[string]any)
	}
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		details["request_id"] = id
	}
	if sub := subjectFromContext(r.Context()); sub != "" {
		details["user"] = sub
	}
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}

	entry := &audit.Entry{
		Action:    action,
		FeatureID: featureID,
		Source:    audit.SourceAPI,
		Details:   details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit log channel full, dropping entry", "action", action)
	}
}

// drainAuditLog writes queued entries serially until ctx is cancelled, then
// drains what is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAuditEntry(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAuditEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAuditEntry(entry *audit.Entry) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit log write failed", "action", entry.Action, "error", err)
	}
}

// handleListAuditLogs returns paginated audit entries, newest first.
//
// Query parameters:
//   - action: switch, set_value, set_name, connect, disconnect, raw_command, serial_port
//   - source: api or mqtt
//   - feature_id: a single feature
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeNotFound(w, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		Source: q.Get("source"),
	}
	if v := q.Get("feature_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "feature_id must be an integer")
			return
		}
		filter.FeatureID = audit.Feature(n)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
