package api

import (
	"context"
	"net/http"

	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/pkg/models"
)

// RegisterHandler handles POST /api/auth/register
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	userID, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"userId": userID})
}

// LoginParamsHandler handles GET /api/auth/login/params?email=
func (s *Server) LoginParamsHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeErr(w, r, autherr.New(autherr.KindBadRequest, "email is required"))
		return
	}
	params, err := s.auth.LoginParams(r.Context(), email)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"kdfParams": params})
}

// LoginHandler handles POST /api/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Email == "" || req.PasswordVerifier == "" {
		writeErr(w, r, autherr.New(autherr.KindBadRequest, "email and passwordVerifier are required"))
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCredentials {
			loginsTotal.WithLabelValues("failed").Inc()
		}
		writeErr(w, r, err)
		return
	}
	if res.Challenge != nil {
		loginsTotal.WithLabelValues("2fa_required").Inc()
		writeData(w, http.StatusOK, res.Challenge)
		return
	}
	loginsTotal.WithLabelValues("success").Inc()
	writeData(w, http.StatusOK, res.Response)
}

// TwoFactorVerifyHandler handles POST /api/auth/2fa/verify
func (s *Server) TwoFactorVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TwoFactorVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	resp, err := s.auth.CompleteTwoFactor(r.Context(), req)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			loginsTotal.WithLabelValues("2fa_failed").Inc()
		}
		writeErr(w, r, err)
		return
	}
	loginsTotal.WithLabelValues("success").Inc()
	writeData(w, http.StatusOK, resp)
}

// RefreshHandler handles POST /api/auth/refresh
func (s *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pair)
}

// LogoutHandler handles POST /api/auth/logout
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	if err := s.auth.Logout(r.Context(), c.UserID, c.JTI); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAllHandler handles POST /api/auth/logout-all
func (s *Server) LogoutAllHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	n, err := s.auth.LogoutAll(r.Context(), c.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"revoked": n})
}

// MeHandler handles GET /api/auth/me
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	info, err := s.auth.Me(r.Context(), c.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

// TOTPSetupHandler handles POST /api/auth/totp/setup
func (s *Server) TOTPSetupHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	setup, err := s.auth.SetupTOTP(r.Context(), c.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, setup)
}

// TOTPConfirmHandler handles POST /api/auth/totp/confirm
func (s *Server) TOTPConfirmHandler(w http.ResponseWriter, r *http.Request) {
	s.totpCodeHandler(w, r, s.auth.ConfirmTOTP, "2FA enabled")
}

// TOTPDisableHandler handles POST /api/auth/totp/disable
func (s *Server) TOTPDisableHandler(w http.ResponseWriter, r *http.Request) {
	s.totpCodeHandler(w, r, s.auth.DisableTOTP, "2FA disabled")
}

// totpCodeHandler runs op with the posted code. A wrong code here is a bad
// request, not a failed authentication: the caller is already signed in.
func (s *Server) totpCodeHandler(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID, code string) error, done string) {
	var req models.TOTPCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c := claimsFromCtx(r.Context())
	if err := op(r.Context(), c.UserID, req.Code); err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			writeErrStatus(w, r, err, http.StatusBadRequest)
			return
		}
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"message": done})
}
