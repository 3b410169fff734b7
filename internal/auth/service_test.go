package auth

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/core"
	"github.com/org/passvault/internal/crypto"
	"github.com/org/passvault/internal/kdf"
	"github.com/org/passvault/internal/session"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/internal/totp"
	"github.com/org/passvault/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*models.User{}, byEmail: map[string]string{}}
}

func (m *memUsers) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return storage.ErrAlreadyExists
	}
	cp := *u
	cp.CreatedAt = time.Now().UTC()
	m.byID[u.ID] = &cp
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) UpdateTOTP(_ context.Context, userID, enc, iv string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.TOTPSecretEnc, u.TOTPSecretEncIV, u.TwoFactorEnabled = enc, iv, enabled
	return nil
}

func (m *memUsers) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byEmail, m.byID[id].Email)
	delete(m.byID, id)
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	svc   *Service
	users *memUsers
	mgr   *totp.Manager
	reg   *session.Registry
	rec   *recorder
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{users: newMemUsers(), rec: &recorder{}, now: time.Now()}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	h.reg = session.NewRegistry(storage.NewRedisSessionStore(client, "t"),
		session.WithClock(func() time.Time { return h.now }))

	tokens, err := NewTokenService(TokenConfig{Secret: testSecret})
	require.NoError(t, err)
	tokens.SetClock(func() time.Time { return h.now })

	ring, err := core.NewKeyRing(make([]byte, 32))
	require.NoError(t, err)
	t.Cleanup(ring.Close)
	h.mgr = totp.NewManager(h.users, ring, "passvault")
	h.mgr.SetClock(func() time.Time { return h.now })

	h.svc = NewService(h.users, tokens, h.reg, h.mgr, h.rec)
	return h
}

// clientRegister does what the CLI does: derive keys, wrap a fresh vault
// key, and send only the derived values.
func clientRegister(t *testing.T, email, password string) (models.RegisterRequest, []byte) {
	t.Helper()
	params := models.KDFParams{
		Algorithm:   kdf.Algorithm,
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		Salt:        base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
	}
	verifier, pwKey, err := kdf.DeriveKeys([]byte(password), params)
	require.NoError(t, err)
	defer crypto.Zero(pwKey)

	vaultKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	ct, iv, err := crypto.WrapVaultKey(vaultKey, pwKey)
	require.NoError(t, err)
	enc, encIV := crypto.EncodeEnvelope(ct, iv)

	return models.RegisterRequest{
		Email:            email,
		PasswordVerifier: kdf.EncodeVerifier(verifier),
		KDFParams:        params,
		VaultKeyEnc:      enc,
		VaultKeyEncIV:    encIV,
	}, vaultKey
}

func verifierFor(t *testing.T, password string, params models.KDFParams) string {
	t.Helper()
	v, k, err := kdf.DeriveKeys([]byte(password), params)
	require.NoError(t, err)
	crypto.Zero(k)
	return kdf.EncodeVerifier(v)
}

func TestRegisterLoginScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, vaultKey := clientRegister(t, "A@B.com", "Xyz!2345678")
	userID, err := h.svc.Register(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)

	_, err = h.svc.Register(ctx, req)
	assert.ErrorIs(t, err, autherr.ErrConflict)

	params, err := h.svc.LoginParams(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, req.KDFParams, params)

	res, err := h.svc.Login(ctx, models.LoginRequest{
		Email:            "a@b.com",
		PasswordVerifier: verifierFor(t, "Xyz!2345678", params),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Nil(t, res.Challenge)
	assert.False(t, res.Response.User.TwoFactorEnabled)
	assert.Equal(t, "Bearer", res.Response.TokenType)
	assert.Equal(t, req.VaultKeyEnc, res.Response.VaultKeyEnc)

	// The returned envelope unwraps with the password key.
	_, pwKey, _ := kdf.DeriveKeys([]byte("Xyz!2345678"), params)
	ct, iv, err := crypto.DecodeEnvelope(res.Response.VaultKeyEnc, res.Response.VaultKeyEncIV)
	require.NoError(t, err)
	got, err := crypto.UnwrapVaultKey(ct, iv, pwKey)
	require.NoError(t, err)
	assert.Equal(t, vaultKey, got)

	assert.Contains(t, h.rec.types(), audit.Register)
	assert.Contains(t, h.rec.types(), audit.LoginSuccess)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "right-password")
	_, err := h.svc.Register(ctx, req)
	require.NoError(t, err)

	_, wrongPw := h.svc.Login(ctx, models.LoginRequest{
		Email:            "a@b.com",
		PasswordVerifier: verifierFor(t, "wrong-password", req.KDFParams),
	})
	_, noUser := h.svc.Login(ctx, models.LoginRequest{
		Email:            "nobody@b.com",
		PasswordVerifier: verifierFor(t, "right-password", req.KDFParams),
	})
	require.Error(t, wrongPw)
	require.Error(t, noUser)
	assert.ErrorIs(t, wrongPw, autherr.ErrInvalidCredentials)
	assert.ErrorIs(t, noUser, autherr.ErrInvalidCredentials)
	assert.Equal(t, wrongPw.Error(), noUser.Error())

	_, garbage := h.svc.Login(ctx, models.LoginRequest{Email: "a@b.com", PasswordVerifier: "!!not base64"})
	assert.ErrorIs(t, garbage, autherr.ErrInvalidCredentials)

	params, err := h.svc.LoginParams(ctx, "nobody@b.com")
	require.NoError(t, err)
	assert.True(t, kdf.IsDummy(params))
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good, _ := clientRegister(t, "a@b.com", "pw")

	tests := []struct {
		name   string
		mutate func(r *models.RegisterRequest)
	}{
		{"bad email", func(r *models.RegisterRequest) { r.Email = "not-an-email" }},
		{"bad verifier", func(r *models.RegisterRequest) { r.PasswordVerifier = "abc" }},
		{"short salt", func(r *models.RegisterRequest) { r.KDFParams.Salt = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"wrong algorithm", func(r *models.RegisterRequest) { r.KDFParams.Algorithm = "scrypt" }},
		{"zero memory", func(r *models.RegisterRequest) { r.KDFParams.Memory = 0 }},
		{"missing vault key", func(r *models.RegisterRequest) { r.VaultKeyEnc = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			_, err := h.svc.Register(ctx, r)
			assert.ErrorIs(t, err, autherr.ErrBadRequest)
		})
	}
}

func loginTokens(t *testing.T, h *harness, email, password string) *models.LoginResponse {
	t.Helper()
	params, err := h.svc.LoginParams(context.Background(), email)
	require.NoError(t, err)
	res, err := h.svc.Login(context.Background(), models.LoginRequest{
		Email:            email,
		PasswordVerifier: verifierFor(t, password, params),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	return res.Response
}

func TestRevokedSessionRejectedDespiteValidSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	userID, _ := h.svc.Register(ctx, req)
	resp := loginTokens(t, h, "a@b.com", "pw")

	claims, err := h.svc.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)

	require.NoError(t, h.svc.Logout(ctx, userID, claims.JTI))

	_, err = h.svc.Tokens().VerifyAccess(resp.AccessToken)
	require.NoError(t, err, "signature alone still verifies")

	_, err = h.svc.Authenticate(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	assert.Equal(t, "Session revoked", err.Error())

	_, err = h.svc.Refresh(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	assert.Equal(t, "Session revoked", err.Error())
}

func TestRefreshTwicePreservesJTI(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	_, _ = h.svc.Register(ctx, req)
	resp := loginTokens(t, h, "a@b.com", "pw")
	orig, err := h.svc.Tokens().VerifyRefresh(resp.RefreshToken)
	require.NoError(t, err)

	h.now = h.now.Add(time.Second)
	first, err := h.svc.Refresh(ctx, resp.RefreshToken)
	require.NoError(t, err)
	second, err := h.svc.Refresh(ctx, resp.RefreshToken)
	require.NoError(t, err)

	for _, pair := range []*models.TokenResponse{first, second} {
		ac, err := h.svc.Tokens().VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, orig.SessionIdentity, ac.SessionIdentity)
		rc, err := h.svc.Tokens().VerifyRefresh(pair.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, orig.SessionIdentity, rc.SessionIdentity)
	}

	views, err := h.svc.Sessions().ListActive(ctx, orig.UserID, orig.JTI)
	require.NoError(t, err)
	assert.Len(t, views, 1, "refresh never creates a new session")
}

func TestRefreshForDeletedUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	userID, _ := h.svc.Register(ctx, req)
	resp := loginTokens(t, h, "a@b.com", "pw")

	h.users.delete(userID)
	_, err := h.svc.Refresh(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
	assert.False(t, autherr.Retryable(err))
}

func TestRefreshExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	_, _ = h.svc.Register(ctx, req)
	resp := loginTokens(t, h, "a@b.com", "pw")

	h.now = h.now.Add(DefaultRefreshTTL + time.Minute)
	_, err := h.svc.Refresh(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)

	_, err = h.svc.Refresh(ctx, resp.AccessToken)
	assert.Error(t, err)
}

func TestTwoFactorScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	userID, _ := h.svc.Register(ctx, req)

	setup, err := h.svc.SetupTOTP(ctx, userID)
	require.NoError(t, err)
	u, _ := h.users.GetUserByID(ctx, userID)
	assert.False(t, u.TwoFactorEnabled)

	secret, err := h.mgr.Open(u.TOTPSecretEnc, u.TOTPSecretEncIV)
	require.NoError(t, err)
	assert.Equal(t, setup.SecretBase32, totp.ToBase32(secret))
	code, err := totp.GenerateCode(secret, h.now)
	require.NoError(t, err)
	require.NoError(t, h.svc.ConfirmTOTP(ctx, userID, code))

	params, _ := h.svc.LoginParams(ctx, "a@b.com")
	res, err := h.svc.Login(ctx, models.LoginRequest{
		Email:            "a@b.com",
		PasswordVerifier: verifierFor(t, "pw", params),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Response)
	assert.True(t, res.Challenge.Require2FA)
	assert.Equal(t, "TOTP", res.Challenge.Method)

	// An access token must not stand in for the temp token.
	_, err = h.svc.Authenticate(ctx, res.Challenge.TempToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	wrong, _ := totp.GenerateCode(secret, h.now.Add(time.Hour))
	if wrong != code {
		_, err = h.svc.CompleteTwoFactor(ctx, models.TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: wrong})
		assert.ErrorIs(t, err, autherr.ErrInvalidCode)
	}
	_, err = h.svc.CompleteTwoFactor(ctx, models.TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: "12ab56"})
	assert.ErrorIs(t, err, autherr.ErrInvalidCode)

	full, err := h.svc.CompleteTwoFactor(ctx, models.TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: code})
	require.NoError(t, err, "temp token survives failed attempts")
	assert.True(t, full.User.TwoFactorEnabled)
	_, err = h.svc.Authenticate(ctx, full.AccessToken)
	require.NoError(t, err)

	h.now = h.now.Add(DefaultTempTTL + time.Second)
	_, err = h.svc.CompleteTwoFactor(ctx, models.TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: code})
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)

	assert.Contains(t, h.rec.types(), audit.Login2FARequired)
	assert.Contains(t, h.rec.types(), audit.TOTPEnabled)
}

func TestSessionManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	userID, _ := h.svc.Register(ctx, req)
	other, _ := clientRegister(t, "c@d.com", "pw")
	otherID, _ := h.svc.Register(ctx, other)

	a := loginTokens(t, h, "a@b.com", "pw")
	b := loginTokens(t, h, "a@b.com", "pw")
	c := loginTokens(t, h, "a@b.com", "pw")
	mine, _ := h.svc.Tokens().VerifyAccess(a.AccessToken)
	victim, _ := h.svc.Tokens().VerifyAccess(b.AccessToken)

	err := h.svc.RevokeSession(ctx, otherID, victim.JTI)
	assert.ErrorIs(t, err, autherr.ErrForbidden)

	require.NoError(t, h.svc.RevokeSession(ctx, userID, victim.JTI))
	_, err = h.svc.Authenticate(ctx, b.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)

	n, err := h.svc.RevokeOthers(ctx, userID, mine.JTI)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = h.svc.Authenticate(ctx, c.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	_, err = h.svc.Authenticate(ctx, a.AccessToken)
	assert.NoError(t, err)

	n, err = h.svc.LogoutAll(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	me, err := h.svc.Me(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", me.Email)
	_, err = h.svc.Me(ctx, "missing")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}

func TestOnlyRefreshAdvancesLastUsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, _ := clientRegister(t, "a@b.com", "pw")
	_, err := h.svc.Register(ctx, req)
	require.NoError(t, err)
	resp := loginTokens(t, h, "a@b.com", "pw")

	claims, err := h.svc.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	before, err := h.reg.Get(ctx, claims.JTI)
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute)
	_, err = h.svc.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	after, err := h.reg.Get(ctx, claims.JTI)
	require.NoError(t, err)
	assert.Equal(t, before.LastUsedAt.Unix(), after.LastUsedAt.Unix())

	_, err = h.svc.Refresh(ctx, resp.RefreshToken)
	require.NoError(t, err)
	refreshed, err := h.reg.Get(ctx, claims.JTI)
	require.NoError(t, err)
	assert.Equal(t, h.now.Unix(), refreshed.LastUsedAt.Unix())
}
