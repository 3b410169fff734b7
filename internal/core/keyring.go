package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/org/passvault/internal/crypto"
)

const totpKeyContext = "passvault-totp-v1"

// ErrKeyRingClosed is returned after Close has wiped the keys.
var ErrKeyRingClosed = errors.New("key ring is closed")

// KeyRing holds server-side keys in memory. The master key never leaves
// the ring; callers receive copies of derived keys and must zero them.
type KeyRing struct {
	mu      sync.RWMutex
	totpKEK []byte
	closed  bool
}

// NewKeyRing derives the server keys from a 32-byte master key.
func NewKeyRing(master []byte) (*KeyRing, error) {
	if len(master) != crypto.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(master))
	}
	kek, err := crypto.DeriveKey(master, totpKeyContext)
	if err != nil {
		return nil, fmt.Errorf("deriving TOTP key: %w", err)
	}
	return &KeyRing{totpKEK: kek}, nil
}

// NewKeyRingFromBase64 decodes a base64 master key and builds a KeyRing.
func NewKeyRingFromBase64(encoded string) (*KeyRing, error) {
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("master key is not valid base64")
	}
	defer crypto.Zero(master)
	return NewKeyRing(master)
}

// TOTPKey returns a copy of the key protecting TOTP secrets at rest.
func (k *KeyRing) TOTPKey() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrKeyRingClosed
	}
	keyCopy := make([]byte, len(k.totpKEK))
	copy(keyCopy, k.totpKEK)
	return keyCopy, nil
}

// Close wipes all keys from memory.
func (k *KeyRing) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	crypto.Zero(k.totpKEK)
	k.totpKEK = nil
	k.closed = true
}
