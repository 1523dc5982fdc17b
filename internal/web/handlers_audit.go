package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/cellvault/internal/core"
)

// maxAuditLimit caps the limit query parameter.
const maxAuditLimit = 1000

// handleAuditLog lists audit entries, newest first. Query parameters:
// action, sheet, since (RFC 3339) and limit.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.AuditFilter{
		Action: core.AuditAction(q.Get("action")),
		Sheet:  q.Get("sheet"),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.badRequest(w, r, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxAuditLimit)
	}

	entries, err := s.service.AuditLog(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
