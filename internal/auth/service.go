// Package auth issues and verifies tokens and drives the login state
// machine: register, login, optional TOTP step-up, refresh and logout.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/kdf"
	"github.com/org/passvault/internal/session"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/internal/totp"
	"github.com/org/passvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// UserStore is the credential persistence the orchestrator needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Service is the auth orchestrator.
type Service struct {
	users    UserStore
	tokens   *TokenService
	sessions *session.Registry
	totp     *totp.Manager
	audit    audit.Recorder
}

// NewService wires the orchestrator. rec may be nil.
func NewService(users UserStore, tokens *TokenService, sessions *session.Registry, totpMgr *totp.Manager, rec audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{users: users, tokens: tokens, sessions: sessions, totp: totpMgr, audit: rec}
}

// Tokens exposes the token service for the HTTP layer.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Sessions exposes the session registry for the HTTP layer.
func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// LoginResult is either a completed login or a second-factor challenge.
// Exactly one field is set.
type LoginResult struct {
	Response  *models.LoginResponse
	Challenge *models.TwoFactorChallenge
}

// NormalizeEmail trims and lower-cases email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func validBase64(s string) bool {
	if s == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

func userErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return autherr.ErrUserNotFound
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
	}
	return fmt.Errorf("loading user: %w", err)
}

// Register stores a new credential record and returns its ID. It does not
// log the user in.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (string, error) {
	email := NormalizeEmail(req.Email)
	if !validEmail(email) {
		return "", autherr.New(autherr.KindBadRequest, "Invalid email format")
	}
	if !kdf.ValidVerifier(req.PasswordVerifier) {
		return "", autherr.New(autherr.KindBadRequest, "Invalid password verifier")
	}
	if _, err := kdf.Validate(req.KDFParams); err != nil {
		return "", autherr.Newf(autherr.KindBadRequest, "Invalid KDF parameters: %v", err)
	}
	if !validBase64(req.VaultKeyEnc) || !validBase64(req.VaultKeyEncIV) {
		return "", autherr.New(autherr.KindBadRequest, "Invalid wrapped vault key")
	}

	u := &models.User{
		ID:               uuid.NewString(),
		Email:            email,
		PasswordVerifier: req.PasswordVerifier,
		KDFParams:        req.KDFParams,
		VaultKeyEnc:      req.VaultKeyEnc,
		VaultKeyEncIV:    req.VaultKeyEncIV,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", autherr.New(autherr.KindConflict, "Email already in use")
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return "", autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
		}
		return "", fmt.Errorf("creating user: %w", err)
	}

	log.Info().Str("user_id", u.ID).Str("email", email).Msg("user registered")
	s.audit.Record(ctx, audit.Event{Type: audit.Register, UserID: u.ID, Description: "User registered"})
	return u.ID, nil
}

// LoginParams returns the KDF parameters for email, or the dummy set when
// no such user exists.
func (s *Service) LoginParams(ctx context.Context, email string) (models.KDFParams, error) {
	u, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return kdf.DummyParams(), nil
	}
	if err != nil {
		return models.KDFParams{}, userErr(err)
	}
	return u.KDFParams, nil
}

// Login checks the verifier and either completes the login or returns a
// TOTP challenge. Unknown email and wrong verifier fail identically.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, userErr(err)
	}
	if u == nil || !kdf.CompareVerifier(u.PasswordVerifier, req.PasswordVerifier) {
		ev := audit.Event{Type: audit.LoginFailed, Description: "Invalid email or password",
			Metadata: map[string]any{"email": email}}
		if u != nil {
			ev.UserID = u.ID
		}
		s.audit.Record(ctx, ev)
		log.Info().Str("email", email).Msg("login failed")
		return nil, autherr.ErrInvalidCredentials
	}

	if u.TwoFactorEnabled {
		temp, err := s.tokens.SignTemp(u.ID, PurposeTwoFactor, MethodTOTP)
		if err != nil {
			return nil, err
		}
		s.audit.Record(ctx, audit.Event{Type: audit.Login2FARequired, UserID: u.ID, Description: "Second factor required"})
		return &LoginResult{Challenge: &models.TwoFactorChallenge{
			Require2FA: true,
			Method:     MethodTOTP,
			TempToken:  temp,
		}}, nil
	}

	resp, err := s.openSession(ctx, u, req.DeviceID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.LoginSuccess, UserID: u.ID, Description: "Login successful"})
	return &LoginResult{Response: resp}, nil
}

// CompleteTwoFactor redeems a step-up token with a TOTP code. A wrong code
// leaves the temp token usable until it expires.
func (s *Service) CompleteTwoFactor(ctx context.Context, req models.TwoFactorVerifyRequest) (*models.LoginResponse, error) {
	if req.TempToken == "" || req.Code == "" {
		return nil, autherr.New(autherr.KindBadRequest, "tempToken and code are required")
	}
	claims, err := s.tokens.VerifyTemp(req.TempToken, PurposeTwoFactor, MethodTOTP)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, userErr(err)
	}
	if err := s.totp.Check(u, req.Code); err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			s.audit.Record(ctx, audit.Event{Type: audit.Login2FAFailed, UserID: u.ID, Description: "Invalid 2FA code"})
		}
		return nil, err
	}

	resp, err := s.openSession(ctx, u, req.DeviceID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.LoginSuccess, UserID: u.ID, Description: "Login successful with 2FA"})
	return resp, nil
}

// openSession mints a fresh jti, records the session and signs the pair.
func (s *Service) openSession(ctx context.Context, u *models.User, deviceID string) (*models.LoginResponse, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		deviceID = uuid.NewString()
	}
	id := SessionIdentity{UserID: u.ID, JTI: uuid.NewString(), DeviceID: deviceID}

	info := audit.RequestInfoFrom(ctx)
	if _, err := s.sessions.Create(ctx, id.UserID, id.JTI, id.DeviceID,
		session.Metadata{IP: info.IP, UserAgent: info.UserAgent}); err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(id)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", u.ID).Str("device_id", id.DeviceID).Msg("session opened")
	return &models.LoginResponse{
		TokenResponse: *pair,
		VaultKeyEnc:   u.VaultKeyEnc,
		VaultKeyEncIV: u.VaultKeyEncIV,
		User:          u.Info(),
	}, nil
}

// Refresh re-signs both tokens for an active session, keeping jti and
// deviceId.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	if refreshToken == "" {
		return nil, autherr.New(autherr.KindBadRequest, "Refresh token is required")
	}
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetUserByID(ctx, claims.UserID); err != nil {
		return nil, userErr(err)
	}
	if err := s.sessions.Require(ctx, claims.JTI); err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, claims.JTI); err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(claims.SessionIdentity)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.TokenRefresh, UserID: claims.UserID, Description: "Tokens refreshed"})
	return pair, nil
}

// Logout revokes the caller's session.
func (s *Service) Logout(ctx context.Context, userID, jti string) error {
	changed, err := s.sessions.Revoke(ctx, jti)
	if err != nil {
		return err
	}
	if changed {
		s.audit.Record(ctx, audit.Event{Type: audit.Logout, UserID: userID, Description: "Logged out"})
	}
	return nil
}

// LogoutAll revokes every session of userID and returns how many were
// active.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.SessionRevokedAll,
		UserID:      userID,
		Description: "All sessions revoked",
		Metadata:    map[string]any{"count": n},
	})
	return n, nil
}

// RevokeOthers revokes every session of userID except currentJTI.
func (s *Service) RevokeOthers(ctx context.Context, userID, currentJTI string) (int64, error) {
	n, err := s.sessions.RevokeAllExcept(ctx, userID, currentJTI)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.SessionRevokedAll,
		UserID:      userID,
		Description: "Other sessions revoked",
		Metadata:    map[string]any{"count": n},
	})
	return n, nil
}

// RevokeSession revokes one of the caller's sessions by jti.
func (s *Service) RevokeSession(ctx context.Context, userID, jti string) error {
	if err := s.sessions.RevokeOwned(ctx, userID, jti); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.SessionRevoked,
		UserID:      userID,
		Description: "Session revoked",
		Metadata:    map[string]any{"jti": jti},
	})
	return nil
}

// Me returns the public view of userID.
func (s *Service) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, userErr(err)
	}
	info := u.Info()
	return &info, nil
}

// Authenticate validates a bearer access token and its session. It does not
// advance lastUsedAt; only Refresh does.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*AccessClaims, error) {
	claims, err := s.tokens.VerifyAccess(bearer)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Require(ctx, claims.JTI); err != nil {
		return nil, err
	}
	return claims, nil
}

// SetupTOTP starts TOTP enrolment for userID.
func (s *Service) SetupTOTP(ctx context.Context, userID string) (*models.TOTPSetup, error) {
	setup, err := s.totp.Setup(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.TOTPSetupStarted, UserID: userID, Description: "TOTP setup started"})
	return setup, nil
}

// ConfirmTOTP enables 2FA after a valid code.
func (s *Service) ConfirmTOTP(ctx context.Context, userID, code string) error {
	if err := s.totp.Confirm(ctx, userID, code); err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			s.audit.Record(ctx, audit.Event{Type: audit.TOTPEnableFailed, UserID: userID, Description: "Invalid TOTP code"})
		}
		return err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.TOTPEnabled, UserID: userID, Description: "TOTP enabled"})
	return nil
}

// DisableTOTP turns 2FA off after a valid code.
func (s *Service) DisableTOTP(ctx context.Context, userID, code string) error {
	if err := s.totp.Disable(ctx, userID, code); err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			s.audit.Record(ctx, audit.Event{Type: audit.TOTPDisableFailed, UserID: userID, Description: "Invalid TOTP code"})
		}
		return err
	}
	s.audit.Record(ctx, audit.Event{Type: audit.TOTPDisabled, UserID: userID, Description: "TOTP disabled"})
	return nil
}
