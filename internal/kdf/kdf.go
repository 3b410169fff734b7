// Package kdf derives the password verifier and password key from a master
// password.
//
// Contract: one Argon2id call yields 32 bytes that serve both as the
// server-visible verifier and as the client-side key that wraps the vault
// key. The server only ever stores the verifier as an opaque value.
package kdf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/org/passvault/pkg/models"
	"golang.org/x/crypto/argon2"
)

const (
	Algorithm = "argon2id"

	KeyLen     = 32
	MinSaltLen = 16

	DefaultMemory      = 19 * 1024
	DefaultIterations  = 2
	DefaultParallelism = 1
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported kdf algorithm")
	ErrInvalidSalt          = errors.New("kdf salt must be at least 16 bytes")
	ErrInvalidCost          = errors.New("kdf cost parameters must be positive")
	ErrEmptyPassword        = errors.New("password must not be empty")
)

// NewParams returns default parameters with a fresh random salt.
func NewParams() (models.KDFParams, error) {
	salt := make([]byte, MinSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return models.KDFParams{}, fmt.Errorf("generating salt: %w", err)
	}
	return models.KDFParams{
		Algorithm:   Algorithm,
		Memory:      DefaultMemory,
		Iterations:  DefaultIterations,
		Parallelism: DefaultParallelism,
		Salt:        base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// DummyParams is returned for unknown emails. It looks like a real parameter
// set but carries an empty salt, which clients treat as "no such user".
func DummyParams() models.KDFParams {
	return models.KDFParams{
		Algorithm:   Algorithm,
		Memory:      DefaultMemory,
		Iterations:  DefaultIterations,
		Parallelism: DefaultParallelism,
		Salt:        "",
	}
}

// IsDummy reports whether p is the unknown-user parameter set.
func IsDummy(p models.KDFParams) bool {
	return p.Salt == ""
}

// Validate checks p and returns the decoded salt.
func Validate(p models.KDFParams) ([]byte, error) {
	if p.Algorithm != Algorithm {
		return nil, ErrUnsupportedAlgorithm
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, ErrInvalidCost
	}
	if p.Salt == "" {
		return nil, ErrInvalidSalt
	}
	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil || len(salt) < MinSaltLen {
		return nil, ErrInvalidSalt
	}
	return salt, nil
}

// DeriveKeys runs Argon2id over password with p. verifier and passwordKey
// hold the same bytes in separate slices so either can be zeroed on its own.
func DeriveKeys(password []byte, p models.KDFParams) (verifier, passwordKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	salt, err := Validate(p)
	if err != nil {
		return nil, nil, err
	}
	out := argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, KeyLen)
	passwordKey = make([]byte, KeyLen)
	copy(passwordKey, out)
	return out, passwordKey, nil
}

// EncodeVerifier renders a verifier for the wire.
func EncodeVerifier(verifier []byte) string {
	return base64.StdEncoding.EncodeToString(verifier)
}

// CompareVerifier compares two base64 verifiers in constant time. It
// returns false on length mismatch or malformed input and never panics.
func CompareVerifier(stored, provided string) bool {
	if len(stored) != len(provided) {
		return false
	}
	a, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return false
	}
	b, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidVerifier reports whether v decodes to a KeyLen-byte verifier.
func ValidVerifier(v string) bool {
	b, err := base64.StdEncoding.DecodeString(v)
	return err == nil && len(b) == KeyLen
}
