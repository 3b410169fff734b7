package crypto

import (
	"encoding/base64"
	"encoding/json"
)

type wrappedKey struct {
	Key string `json:"key"`
}

// ItemSecret is the part of a vault item that is only ever seen in
// plaintext by the client.
type ItemSecret struct {
	Password string `json:"password"`
	Notes    string `json:"notes"`
}

// WrapVaultKey encrypts vaultKey under passwordKey. The plaintext is the
// JSON document {"key": base64(vaultKey)}.
func WrapVaultKey(vaultKey, passwordKey []byte) (ciphertext, iv []byte, err error) {
	if len(vaultKey) != KeySize {
		return nil, nil, ErrAuthFailed
	}
	doc, err := json.Marshal(wrappedKey{Key: base64.StdEncoding.EncodeToString(vaultKey)})
	if err != nil {
		return nil, nil, err
	}
	defer Zero(doc)
	return EncryptAESGCM(doc, passwordKey)
}

// UnwrapVaultKey reverses WrapVaultKey. A wrong password key, tampered
// ciphertext or malformed document all yield ErrAuthFailed.
func UnwrapVaultKey(ciphertext, iv, passwordKey []byte) ([]byte, error) {
	doc, err := DecryptAESGCM(ciphertext, iv, passwordKey)
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer Zero(doc)

	var w wrappedKey
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, ErrAuthFailed
	}
	key, err := base64.StdEncoding.DecodeString(w.Key)
	if err != nil || len(key) != KeySize {
		Zero(key)
		return nil, ErrAuthFailed
	}
	return key, nil
}

// EncryptItem encrypts an item secret under the vault key with a fresh IV.
func EncryptItem(vaultKey []byte, secret ItemSecret) (ciphertext, iv []byte, err error) {
	doc, err := json.Marshal(secret)
	if err != nil {
		return nil, nil, err
	}
	defer Zero(doc)
	return EncryptAESGCM(doc, vaultKey)
}

// DecryptItem reverses EncryptItem.
func DecryptItem(vaultKey, ciphertext, iv []byte) (ItemSecret, error) {
	doc, err := DecryptAESGCM(ciphertext, iv, vaultKey)
	if err != nil {
		return ItemSecret{}, ErrAuthFailed
	}
	defer Zero(doc)

	var s ItemSecret
	if err := json.Unmarshal(doc, &s); err != nil {
		return ItemSecret{}, ErrAuthFailed
	}
	return s, nil
}

// EncodeEnvelope renders a ciphertext/iv pair for the wire.
func EncodeEnvelope(ciphertext, iv []byte) (string, string) {
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(iv)
}

// DecodeEnvelope parses a wire ciphertext/iv pair. Malformed base64 is
// reported as ErrAuthFailed.
func DecodeEnvelope(ciphertext, iv string) ([]byte, []byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, nil, ErrAuthFailed
	}
	n, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, nil, ErrAuthFailed
	}
	return ct, n, nil
}
