package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/passvault/internal/storage"
)

// AuditLogHandler handles GET /api/audit-log. Users only ever see their own
// events.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	q := r.URL.Query()
	filter := storage.AuditFilter{
		UserID:    c.UserID,
		EventType: q.Get("eventType"),
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if start := q.Get("startDate"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			filter.Start = &t
		}
	}
	if end := q.Get("endDate"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			filter.End = &t
		}
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		writeData(w, http.StatusOK, []any{})
		return
	}
	writeData(w, http.StatusOK, entries)
}
