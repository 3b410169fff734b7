package models

import "time"

// KDFParams describes how a client derives its password verifier and
// password key. Salt is base64 on the wire.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	Salt        string `json:"salt"`
}

// User is the credential record. The server never sees the plaintext
// vault key; VaultKeyEnc/VaultKeyEncIV are stored and returned opaquely.
type User struct {
	ID               string
	Email            string
	PasswordVerifier string
	KDFParams        KDFParams
	VaultKeyEnc      string
	VaultKeyEncIV    string
	TOTPSecretEnc    string
	TOTPSecretEncIV  string
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasTOTPSecret reports whether an encrypted TOTP secret is stored.
func (u *User) HasTOTPSecret() bool {
	return u.TOTPSecretEnc != "" && u.TOTPSecretEncIV != ""
}

// Info returns the public projection of the user.
func (u *User) Info() UserInfo {
	return UserInfo{
		UserID:           u.ID,
		Email:            u.Email,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
	}
}

// UserInfo is the user shape returned to clients.
type UserInfo struct {
	UserID           string    `json:"userId"`
	Email            string    `json:"email"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TokenResponse is the access/refresh pair handed to clients.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// LoginResponse is returned on a completed login.
type LoginResponse struct {
	TokenResponse
	VaultKeyEnc   string   `json:"vaultKeyEnc"`
	VaultKeyEncIV string   `json:"vaultKeyEncIV"`
	User          UserInfo `json:"user"`
}

// TwoFactorChallenge is returned by login when a second factor is required.
type TwoFactorChallenge struct {
	Require2FA bool   `json:"require2FA"`
	Method     string `json:"method"`
	TempToken  string `json:"tempToken"`
}

// TOTPSetup carries provisioning data shown once during TOTP setup.
type TOTPSetup struct {
	SecretBase32 string `json:"secretBase32"`
	OTPAuthURL   string `json:"otpauthUrl"`
}

// RegisterRequest carries everything the client derived locally. The
// server stores it as is; it never sees the password or the vault key.
type RegisterRequest struct {
	Email            string    `json:"email"`
	PasswordVerifier string    `json:"passwordVerifier"`
	KDFParams        KDFParams `json:"kdfParams"`
	VaultKeyEnc      string    `json:"vaultKeyEnc"`
	VaultKeyEncIV    string    `json:"vaultKeyEncIV"`
}

// LoginRequest proves knowledge of the password via its verifier.
type LoginRequest struct {
	Email            string `json:"email"`
	PasswordVerifier string `json:"passwordVerifier"`
	DeviceID         string `json:"deviceId,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TwoFactorVerifyRequest completes a login that returned a challenge.
type TwoFactorVerifyRequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// TOTPCodeRequest carries a code for TOTP confirm and disable.
type TOTPCodeRequest struct {
	Code string `json:"code"`
}
