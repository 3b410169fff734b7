package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/pkg/models"
)

// TokenKind tags the claim set a token carries.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindStepUp  TokenKind = "2fa"
)

const (
	PurposeTwoFactor = "2fa"
	MethodTOTP       = "TOTP"
	TokenTypeBearer  = "Bearer"

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultTempTTL    = 5 * time.Minute

	// MinSecretLen is the shortest accepted HMAC key.
	MinSecretLen = 32
)

// SessionIdentity is what an access/refresh pair binds to.
type SessionIdentity struct {
	UserID   string
	JTI      string
	DeviceID string
}

// Claims is the verified content of a token. The concrete type is one of
// *AccessClaims, *RefreshClaims or *StepUpClaims.
type Claims interface {
	Kind() TokenKind
}

// AccessClaims authorizes API calls for one session.
type AccessClaims struct {
	SessionIdentity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (*AccessClaims) Kind() TokenKind { return KindAccess }

// RefreshClaims allows re-issuing the pair for one session.
type RefreshClaims struct {
	SessionIdentity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (*RefreshClaims) Kind() TokenKind { return KindRefresh }

// StepUpClaims is the short-lived proof that the password step succeeded
// and a second factor is pending.
type StepUpClaims struct {
	UserID    string
	Purpose   string
	Method    string
	ExpiresAt time.Time
}

func (*StepUpClaims) Kind() TokenKind { return KindStepUp }

// wireClaims is the JWT payload for every kind.
type wireClaims struct {
	Kind     TokenKind `json:"kind"`
	DeviceID string    `json:"deviceId,omitempty"`
	Purpose  string    `json:"purpose,omitempty"`
	Method   string    `json:"method,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenService. Zero TTLs take the defaults.
type TokenConfig struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	TempTTL    time.Duration
}

// TokenService signs and verifies HS256 tokens.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	tempTTL    time.Duration
	now        func() time.Time
}

// NewTokenService validates cfg and returns a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < MinSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.TempTTL == 0 {
		cfg.TempTTL = DefaultTempTTL
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 || cfg.TempTTL < 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &TokenService{
		secret:     secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		tempTTL:    cfg.TempTTL,
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source for signing and verification.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// AccessTTL is the lifetime of access tokens.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *TokenService) sign(c wireClaims, ttl time.Duration) (string, error) {
	now := s.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", c.Kind, err)
	}
	return tok, nil
}

func sessionClaims(kind TokenKind, id SessionIdentity) wireClaims {
	return wireClaims{
		Kind:     kind,
		DeviceID: id.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.UserID,
			ID:      id.JTI,
		},
	}
}

// SignAccess mints an access token for the session.
func (s *TokenService) SignAccess(id SessionIdentity) (string, error) {
	return s.sign(sessionClaims(KindAccess, id), s.accessTTL)
}

// SignRefresh mints a refresh token for the session.
func (s *TokenService) SignRefresh(id SessionIdentity) (string, error) {
	return s.sign(sessionClaims(KindRefresh, id), s.refreshTTL)
}

// SignTemp mints a step-up token that can only be redeemed for the given
// purpose and method.
func (s *TokenService) SignTemp(userID, purpose, method string) (string, error) {
	return s.sign(wireClaims{
		Kind:             KindStepUp,
		Purpose:          purpose,
		Method:           method,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.tempTTL)
}

// IssuePair signs both tokens for id. Refresh calls it again with the same
// identity, so the pair rotates while jti and deviceId stay fixed.
func (s *TokenService) IssuePair(id SessionIdentity) (*models.TokenResponse, error) {
	access, err := s.SignAccess(id)
	if err != nil {
		return nil, err
	}
	refresh, err := s.SignRefresh(id)
	if err != nil {
		return nil, err
	}
	return &models.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(s.accessTTL / time.Second),
	}, nil
}

// Parse verifies the signature and expiry of token and returns its claims,
// dispatching on the kind tag.
func (s *TokenService) Parse(token string) (Claims, error) {
	if token == "" {
		return nil, autherr.ErrTokenNotProvided
	}
	var wc wireClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &wc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.Wrap(autherr.KindTokenExpired, autherr.ErrTokenExpired.Msg, err)
		}
		return nil, autherr.Wrap(autherr.KindTokenInvalid, autherr.ErrTokenInvalid.Msg, err)
	}
	if wc.Subject == "" {
		return nil, autherr.ErrTokenInvalid
	}

	switch wc.Kind {
	case KindAccess, KindRefresh:
		if wc.ID == "" {
			return nil, autherr.ErrTokenInvalid
		}
		id := SessionIdentity{UserID: wc.Subject, JTI: wc.ID, DeviceID: wc.DeviceID}
		iat := time.Time{}
		if wc.IssuedAt != nil {
			iat = wc.IssuedAt.Time
		}
		if wc.Kind == KindAccess {
			return &AccessClaims{SessionIdentity: id, IssuedAt: iat, ExpiresAt: wc.ExpiresAt.Time}, nil
		}
		return &RefreshClaims{SessionIdentity: id, IssuedAt: iat, ExpiresAt: wc.ExpiresAt.Time}, nil
	case KindStepUp:
		return &StepUpClaims{
			UserID:    wc.Subject,
			Purpose:   wc.Purpose,
			Method:    wc.Method,
			ExpiresAt: wc.ExpiresAt.Time,
		}, nil
	}
	return nil, autherr.ErrTokenInvalid
}

// VerifyAccess accepts only access tokens.
func (s *TokenService) VerifyAccess(token string) (*AccessClaims, error) {
	c, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	ac, ok := c.(*AccessClaims)
	if !ok {
		return nil, autherr.ErrTokenInvalid
	}
	return ac, nil
}

// VerifyRefresh accepts only refresh tokens.
func (s *TokenService) VerifyRefresh(token string) (*RefreshClaims, error) {
	c, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	rc, ok := c.(*RefreshClaims)
	if !ok {
		return nil, autherr.ErrTokenInvalid
	}
	return rc, nil
}

// VerifyTemp accepts only step-up tokens whose purpose and method match
// exactly.
func (s *TokenService) VerifyTemp(token, purpose, method string) (*StepUpClaims, error) {
	c, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(*StepUpClaims)
	if !ok || sc.Purpose != purpose || sc.Method != method {
		return nil, autherr.ErrTokenInvalid
	}
	return sc, nil
}
