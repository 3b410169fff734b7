// Package totp manages the second-factor secret lifecycle and RFC 6238
// code verification (SHA1, 6 digits, 30 second step, one step of skew).
package totp

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/crypto"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
)

const (
	SecretSize = 20
	Digits     = 6
	Period     = 30
	Skew       = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns SecretSize random bytes.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	return secret, nil
}

// ToBase32 encodes a raw secret the way authenticator apps expect it.
func ToBase32(secret []byte) string {
	return b32.EncodeToString(secret)
}

// ValidFormat reports whether code is exactly six ASCII digits.
func ValidFormat(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func validateOpts() pqtotp.ValidateOpts {
	return pqtotp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Verify checks code against secret at time t, accepting the previous,
// current and next step. Malformed codes are rejected before any HMAC work.
func Verify(secret []byte, code string, t time.Time) bool {
	if !ValidFormat(code) {
		return false
	}
	ok, err := pqtotp.ValidateCustom(code, ToBase32(secret), t, validateOpts())
	return err == nil && ok
}

// GenerateCode returns the code for secret at time t.
func GenerateCode(secret []byte, t time.Time) (string, error) {
	return pqtotp.GenerateCodeCustom(ToBase32(secret), t, validateOpts())
}

// ProvisioningURL builds the otpauth:// URL for an authenticator app.
func ProvisioningURL(issuer, account string, secret []byte) (string, error) {
	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Secret:      secret,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("building provisioning url: %w", err)
	}
	return key.URL(), nil
}

// KeySource supplies the server key protecting secrets at rest.
type KeySource interface {
	TOTPKey() ([]byte, error)
}

// UserStore is the slice of persistence the TOTP lifecycle needs.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	UpdateTOTP(ctx context.Context, userID, secretEnc, secretEncIV string, enabled bool) error
}

// Manager drives setup, confirmation, disabling and login checks.
type Manager struct {
	users  UserStore
	keys   KeySource
	issuer string
	now    func() time.Time
}

// NewManager returns a Manager. issuer labels the account in authenticator
// apps.
func NewManager(users UserStore, keys KeySource, issuer string) *Manager {
	return &Manager{users: users, keys: keys, issuer: issuer, now: time.Now}
}

// SetClock overrides the time source used for code verification.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Seal encrypts a raw secret under the server key.
func (m *Manager) Seal(secret []byte) (enc, iv string, err error) {
	key, err := m.keys.TOTPKey()
	if err != nil {
		return "", "", err
	}
	defer crypto.Zero(key)

	ct, nonce, err := crypto.EncryptAESGCM(secret, key)
	if err != nil {
		return "", "", fmt.Errorf("sealing totp secret: %w", err)
	}
	enc, iv = crypto.EncodeEnvelope(ct, nonce)
	return enc, iv, nil
}

// Open decrypts a sealed secret.
func (m *Manager) Open(enc, iv string) ([]byte, error) {
	key, err := m.keys.TOTPKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	ct, nonce, err := crypto.DecodeEnvelope(enc, iv)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindTokenInvalid, errOpenMsg, err)
	}
	secret, err := crypto.DecryptAESGCM(ct, nonce, key)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindTokenInvalid, errOpenMsg, err)
	}
	return secret, nil
}

const errOpenMsg = "Failed to decrypt TOTP secret"

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return autherr.ErrUserNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Manager) loadUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := m.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr("loading user", err)
	}
	return u, nil
}

// Setup generates and stores a new encrypted secret with 2FA still
// disabled. The base32 secret and provisioning URL are returned once.
func (m *Manager) Setup(ctx context.Context, userID string) (*models.TOTPSetup, error) {
	u, err := m.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.TwoFactorEnabled {
		return nil, autherr.New(autherr.KindBadRequest, "2FA is already enabled")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)

	enc, iv, err := m.Seal(secret)
	if err != nil {
		return nil, err
	}
	url, err := ProvisioningURL(m.issuer, u.Email, secret)
	if err != nil {
		return nil, err
	}
	if err := m.users.UpdateTOTP(ctx, u.ID, enc, iv, false); err != nil {
		return nil, storeErr("storing totp secret", err)
	}
	return &models.TOTPSetup{SecretBase32: ToBase32(secret), OTPAuthURL: url}, nil
}

var errInvalidTOTP = autherr.New(autherr.KindInvalidCode, "Invalid TOTP code")

// Confirm enables 2FA once the user proves possession with a valid code.
func (m *Manager) Confirm(ctx context.Context, userID, code string) error {
	if !ValidFormat(code) {
		return errInvalidTOTP
	}
	u, err := m.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.TwoFactorEnabled {
		return autherr.New(autherr.KindBadRequest, "2FA is already enabled")
	}
	if !u.HasTOTPSecret() {
		return autherr.New(autherr.KindBadRequest, "TOTP setup not started")
	}
	if err := m.verifyStored(u, code); err != nil {
		return err
	}
	if err := m.users.UpdateTOTP(ctx, u.ID, u.TOTPSecretEnc, u.TOTPSecretEncIV, true); err != nil {
		return storeErr("enabling totp", err)
	}
	return nil
}

// Disable turns 2FA off and clears the secret. A currently valid code is
// required, not just an authenticated session.
func (m *Manager) Disable(ctx context.Context, userID, code string) error {
	if !ValidFormat(code) {
		return errInvalidTOTP
	}
	u, err := m.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.TwoFactorEnabled || !u.HasTOTPSecret() {
		return autherr.New(autherr.KindBadRequest, "2FA is not enabled")
	}
	if err := m.verifyStored(u, code); err != nil {
		return err
	}
	if err := m.users.UpdateTOTP(ctx, u.ID, "", "", false); err != nil {
		return storeErr("disabling totp", err)
	}
	return nil
}

// Check verifies a login code for a user with 2FA enabled.
func (m *Manager) Check(u *models.User, code string) error {
	if !ValidFormat(code) {
		return autherr.ErrInvalidCode
	}
	if !u.TwoFactorEnabled || !u.HasTOTPSecret() {
		return autherr.New(autherr.KindBadRequest, "2FA is not enabled for this user")
	}
	if err := m.verifyStored(u, code); err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCode {
			return autherr.ErrInvalidCode
		}
		return err
	}
	return nil
}

func (m *Manager) verifyStored(u *models.User, code string) error {
	secret, err := m.Open(u.TOTPSecretEnc, u.TOTPSecretEncIV)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)

	if !Verify(secret, code, m.now()) {
		return errInvalidTOTP
	}
	return nil
}
