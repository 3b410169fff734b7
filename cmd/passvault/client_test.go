package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/org/passvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func setupCLI(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	t.Setenv("PASSVAULT_CLI_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg = CLIConfig{Address: srv.URL}
	return newClient()
}

func TestAuthedRefreshesExpiredToken(t *testing.T) {
	var refreshes int
	c := setupCLI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			refreshes++
			var req models.RefreshRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			if req.RefreshToken != "refresh-1" {
				writeEnvelope(w, http.StatusUnauthorized, map[string]any{"errors": []string{"Invalid token"}, "code": "token_invalid"})
				return
			}
			writeEnvelope(w, http.StatusOK, map[string]any{"data": models.TokenResponse{
				AccessToken: "access-2", RefreshToken: "refresh-2", TokenType: "Bearer", ExpiresIn: 900,
			}})
		case "/api/auth/me":
			if r.Header.Get("Authorization") != "Bearer access-2" {
				writeEnvelope(w, http.StatusUnauthorized, map[string]any{"errors": []string{"Token expired"}, "code": "token_expired"})
				return
			}
			writeEnvelope(w, http.StatusOK, map[string]any{"data": models.UserInfo{UserID: "u1", Email: "a@example.com"}})
		default:
			http.NotFound(w, r)
		}
	})
	cfg.AccessToken = "access-1"
	cfg.RefreshToken = "refresh-1"

	var me models.UserInfo
	require.NoError(t, c.authed(http.MethodGet, "/api/auth/me", nil, &me))
	assert.Equal(t, "u1", me.UserID)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, "access-2", cfg.AccessToken)
	assert.Equal(t, "refresh-2", cfg.RefreshToken)

	loadConfig()
	assert.Equal(t, "refresh-2", cfg.RefreshToken, "rotated tokens are persisted")
}

func TestAuthedDoesNotRefreshOnRevocation(t *testing.T) {
	var refreshes int
	c := setupCLI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			refreshes++
		}
		writeEnvelope(w, http.StatusUnauthorized, map[string]any{"errors": []string{"Session revoked"}, "code": "token_invalid"})
	})
	cfg.AccessToken = "access-1"
	cfg.RefreshToken = "refresh-1"

	err := c.authed(http.MethodGet, "/api/auth/me", nil, nil)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
	assert.Equal(t, "Session revoked", ae.Error())
	assert.Zero(t, refreshes)
}

func TestAuthedRequiresLogin(t *testing.T) {
	c := setupCLI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	assert.Error(t, c.authed(http.MethodGet, "/api/auth/me", nil, nil))
}

func TestNoContentResponse(t *testing.T) {
	c := setupCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	cfg.AccessToken = "access-1"
	var out struct{}
	assert.NoError(t, c.authed(http.MethodPost, "/api/auth/logout", nil, &out))
}
