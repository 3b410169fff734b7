package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/pkg/models"
)

// ItemListHandler handles GET /api/vault/items[?q=]
func (s *Server) ItemListHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	var (
		items []*models.VaultItem
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		items, err = s.vault.Search(r.Context(), c.UserID, q)
	} else {
		items, err = s.vault.List(r.Context(), c.UserID)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, items)
}

// ItemCreateHandler handles POST /api/vault/items
func (s *Server) ItemCreateHandler(w http.ResponseWriter, r *http.Request) {
	var item models.VaultItem
	if err := decodeJSON(w, r, &item); err != nil {
		writeErr(w, r, err)
		return
	}
	c := claimsFromCtx(r.Context())
	created, err := s.vault.Create(r.Context(), c.UserID, &item)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// ItemGetHandler handles GET /api/vault/items/{id}
func (s *Server) ItemGetHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	item, err := s.vault.Get(r.Context(), c.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, item)
}

// ItemUpdateHandler handles PUT /api/vault/items/{id}
func (s *Server) ItemUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var patch models.VaultItemPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeErr(w, r, err)
		return
	}
	c := claimsFromCtx(r.Context())
	item, err := s.vault.Update(r.Context(), c.UserID, chi.URLParam(r, "id"), &patch)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, item)
}

// ItemDeleteHandler handles DELETE /api/vault/items/{id}
func (s *Server) ItemDeleteHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	if err := s.vault.Delete(r.Context(), c.UserID, chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type backup struct {
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exportedAt"`
	Items      []*models.VaultItem `json:"items"`
}

const backupFormatVersion = 1

// BackupHandler handles GET /api/vault/backup
func (s *Server) BackupHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	items, err := s.vault.Export(r.Context(), c.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, backup{
		Version:    backupFormatVersion,
		ExportedAt: time.Now().UTC(),
		Items:      items,
	})
}

// RestoreHandler handles POST /api/vault/restore
func (s *Server) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	var req backup
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Items == nil {
		writeErr(w, r, autherr.New(autherr.KindBadRequest, "items are required"))
		return
	}
	c := claimsFromCtx(r.Context())
	res, err := s.vault.Import(r.Context(), c.UserID, req.Items)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
