package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SessionListHandler handles GET /api/sessions
func (s *Server) SessionListHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	views, err := s.auth.Sessions().ListActive(r.Context(), c.UserID, c.JTI)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, views)
}

// SessionRevokeHandler handles DELETE /api/sessions/{jti}
func (s *Server) SessionRevokeHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	if err := s.auth.RevokeSession(r.Context(), c.UserID, chi.URLParam(r, "jti")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionRevokeOthersHandler handles DELETE /api/sessions/others
func (s *Server) SessionRevokeOthersHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	n, err := s.auth.RevokeOthers(r.Context(), c.UserID, c.JTI)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"revoked": n})
}
