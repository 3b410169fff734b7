package totp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/core"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) UpdateTOTP(_ context.Context, userID, enc, iv string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.TOTPSecretEnc, u.TOTPSecretEncIV, u.TwoFactorEnabled = enc, iv, enabled
	return nil
}

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *memUsers) {
	t.Helper()
	ring, err := core.NewKeyRing(make([]byte, 32))
	require.NoError(t, err)
	t.Cleanup(ring.Close)

	users := &memUsers{users: map[string]*models.User{
		"u1": {ID: "u1", Email: "alice@example.com"},
	}}
	m := NewManager(users, ring, "PassVault")
	m.SetClock(func() time.Time { return fixedNow })
	return m, users
}

func TestVerifyWindow(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	code, err := GenerateCode(secret, fixedNow)
	require.NoError(t, err)

	assert.True(t, Verify(secret, code, fixedNow))
	assert.True(t, Verify(secret, code, fixedNow.Add(Period*time.Second)))
	assert.True(t, Verify(secret, code, fixedNow.Add(-Period*time.Second)))
	assert.False(t, Verify(secret, code, fixedNow.Add(2*Period*time.Second)))
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12a456", false},
		{" 12345", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidFormat(tt.code), "code %q", tt.code)
	}

	secret, _ := GenerateSecret()
	assert.False(t, Verify(secret, "12a456", fixedNow))
}

func TestProvisioningURL(t *testing.T) {
	secret, _ := GenerateSecret()
	url, err := ProvisioningURL("PassVault", "alice@example.com", secret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "otpauth://totp/"))
	assert.Contains(t, url, "secret="+ToBase32(secret))
	assert.Contains(t, url, "issuer=PassVault")
}

func TestSetupConfirmDisable(t *testing.T) {
	m, users := newTestManager(t)
	ctx := context.Background()

	setup, err := m.Setup(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, setup.SecretBase32)

	u := users.users["u1"]
	assert.False(t, u.TwoFactorEnabled, "setup must not enable 2FA")
	require.True(t, u.HasTOTPSecret())
	assert.NotContains(t, u.TOTPSecretEnc, setup.SecretBase32)

	secret, err := m.Open(u.TOTPSecretEnc, u.TOTPSecretEncIV)
	require.NoError(t, err)
	assert.Equal(t, setup.SecretBase32, ToBase32(secret))

	code, _ := GenerateCode(secret, fixedNow)
	if wrong, _ := GenerateCode(secret, fixedNow.Add(time.Hour)); wrong != code {
		assert.ErrorIs(t, m.Confirm(ctx, "u1", wrong), autherr.ErrInvalidCode)
		assert.False(t, users.users["u1"].TwoFactorEnabled)
	}

	require.NoError(t, m.Confirm(ctx, "u1", code))
	assert.True(t, users.users["u1"].TwoFactorEnabled)

	_, err = m.Setup(ctx, "u1")
	assert.ErrorIs(t, err, autherr.ErrBadRequest)
	assert.Equal(t, "2FA is already enabled", err.Error())

	require.NoError(t, m.Check(users.users["u1"], code))
	assert.ErrorIs(t, m.Check(users.users["u1"], "abc"), autherr.ErrInvalidCode)

	require.NoError(t, m.Disable(ctx, "u1", code))
	u = users.users["u1"]
	assert.False(t, u.TwoFactorEnabled)
	assert.False(t, u.HasTOTPSecret())

	err = m.Disable(ctx, "u1", code)
	assert.Equal(t, "2FA is not enabled", err.Error())
}

func TestConfirmWithoutSetup(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Confirm(context.Background(), "u1", "123456")
	assert.ErrorIs(t, err, autherr.ErrBadRequest)
	assert.Equal(t, "TOTP setup not started", err.Error())

	err = m.Confirm(context.Background(), "u1", "12")
	assert.ErrorIs(t, err, autherr.ErrInvalidCode)

	_, err = m.Setup(context.Background(), "nobody")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}

func TestDisableRequiresValidCode(t *testing.T) {
	m, users := newTestManager(t)
	ctx := context.Background()

	setup, err := m.Setup(ctx, "u1")
	require.NoError(t, err)
	u := users.users["u1"]
	secret, _ := m.Open(u.TOTPSecretEnc, u.TOTPSecretEncIV)
	code, _ := GenerateCode(secret, fixedNow)
	require.NoError(t, m.Confirm(ctx, "u1", code))

	stale, _ := GenerateCode(secret, fixedNow.Add(-10*time.Minute))
	if stale != code {
		err = m.Disable(ctx, "u1", stale)
		assert.ErrorIs(t, err, autherr.ErrInvalidCode)
		assert.True(t, users.users["u1"].TwoFactorEnabled)
	}
	assert.NotEmpty(t, setup.OTPAuthURL)
}

func TestOpenTamperedSecret(t *testing.T) {
	m, _ := newTestManager(t)
	secret, _ := GenerateSecret()
	enc, iv, err := m.Seal(secret)
	require.NoError(t, err)

	_, err = m.Open(enc, "AAAAAAAAAAAAAAAA")
	require.Error(t, err)
	assert.Equal(t, autherr.KindTokenInvalid, autherr.KindOf(err))

	_, err = m.Open("not base64!", iv)
	assert.Equal(t, autherr.KindTokenInvalid, autherr.KindOf(err))

	_, err = m.Open(enc, iv)
	assert.NoError(t, err)
}

func TestCheckCorruptedStoredSecret(t *testing.T) {
	m, users := newTestManager(t)
	ctx := context.Background()

	_, err := m.Setup(ctx, "u1")
	require.NoError(t, err)
	u, err := users.GetUserByID(ctx, "u1")
	require.NoError(t, err)

	// flip a byte of the sealed secret
	raw := []byte(u.TOTPSecretEnc)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}
	u.TOTPSecretEnc = string(raw)
	u.TwoFactorEnabled = true

	err = m.Check(u, "123456")
	require.Error(t, err)
	assert.Equal(t, autherr.KindTokenInvalid, autherr.KindOf(err))
	assert.NotContains(t, err.Error(), "cipher")
}

type downUsers struct {
	getErr    error
	updateErr error
	user      *models.User
}

func (d *downUsers) GetUserByID(context.Context, string) (*models.User, error) {
	if d.getErr != nil {
		return nil, d.getErr
	}
	cp := *d.user
	return &cp, nil
}

func (d *downUsers) UpdateTOTP(context.Context, string, string, string, bool) error {
	return d.updateErr
}

func TestStoreOutageIsRetryable(t *testing.T) {
	ring, err := core.NewKeyRing(make([]byte, 32))
	require.NoError(t, err)
	t.Cleanup(ring.Close)
	ctx := context.Background()
	outage := fmt.Errorf("%w: conn refused", storage.ErrUnavailable)

	m := NewManager(&downUsers{getErr: outage}, ring, "PassVault")
	_, err = m.Setup(ctx, "u1")
	assert.Equal(t, autherr.KindUnavailable, autherr.KindOf(err))
	assert.True(t, autherr.Retryable(err))
	err = m.Confirm(ctx, "u1", "123456")
	assert.Equal(t, autherr.KindUnavailable, autherr.KindOf(err))
	err = m.Disable(ctx, "u1", "123456")
	assert.Equal(t, autherr.KindUnavailable, autherr.KindOf(err))

	// the read succeeds but the write fails
	m = NewManager(&downUsers{updateErr: outage, user: &models.User{ID: "u1", Email: "alice@example.com"}}, ring, "PassVault")
	_, err = m.Setup(ctx, "u1")
	assert.Equal(t, autherr.KindUnavailable, autherr.KindOf(err))
	assert.True(t, autherr.Retryable(err))

	m = NewManager(&downUsers{getErr: storage.ErrNotFound}, ring, "PassVault")
	_, err = m.Setup(ctx, "u1")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}
