package core

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestKeyRingReturnsCopies(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	kr, err := NewKeyRing(master)
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}

	k1, err := kr.TOTPKey()
	if err != nil {
		t.Fatalf("TOTPKey failed: %v", err)
	}
	k1[0] ^= 0xff
	k2, _ := kr.TOTPKey()
	if bytes.Equal(k1, k2) {
		t.Error("mutating a returned key must not affect the ring")
	}
	if bytes.Equal(k2, master) {
		t.Error("TOTP key must be derived, not the master key")
	}
}

func TestKeyRingDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, 32)
	a, _ := NewKeyRing(master)
	b, _ := NewKeyRingFromBase64(base64.StdEncoding.EncodeToString(master))

	ka, _ := a.TOTPKey()
	kb, _ := b.TOTPKey()
	if !bytes.Equal(ka, kb) {
		t.Error("same master key should derive the same TOTP key")
	}
}

func TestKeyRingRejectsBadMaster(t *testing.T) {
	if _, err := NewKeyRing(make([]byte, 16)); err == nil {
		t.Error("expected error for short master key")
	}
	if _, err := NewKeyRingFromBase64("not base64!"); err == nil {
		t.Error("expected error for bad base64")
	}
}

func TestKeyRingClose(t *testing.T) {
	kr, _ := NewKeyRing(bytes.Repeat([]byte{0x07}, 32))
	kr.Close()

	if _, err := kr.TOTPKey(); !errors.Is(err, ErrKeyRingClosed) {
		t.Errorf("expected ErrKeyRingClosed, got %v", err)
	}
}
