package kdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/org/passvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the tests fast; the algorithm is the same.
func testParams(t *testing.T) models.KDFParams {
	t.Helper()
	p, err := NewParams()
	require.NoError(t, err)
	p.Memory = 64
	p.Iterations = 1
	return p
}

func TestDeriveKeysDeterministic(t *testing.T) {
	p := testParams(t)
	pw := []byte("Xyz!2345678")

	v1, k1, err := DeriveKeys(pw, p)
	require.NoError(t, err)
	v2, k2, err := DeriveKeys(pw, p)
	require.NoError(t, err)

	assert.Len(t, v1, KeyLen)
	assert.Equal(t, v1, v2)
	assert.Equal(t, k1, k2)
	// verifier and password key are the same bytes in distinct slices
	assert.Equal(t, v1, k1)
	k1[0] ^= 0xff
	assert.NotEqual(t, v1[0], k1[0])
}

func TestDeriveKeysDiffersBySaltAndPassword(t *testing.T) {
	p1 := testParams(t)
	p2 := testParams(t)

	a, _, err := DeriveKeys([]byte("password-one"), p1)
	require.NoError(t, err)
	b, _, err := DeriveKeys([]byte("password-one"), p2)
	require.NoError(t, err)
	c, _, err := DeriveKeys([]byte("password-two"), p1)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b))
	assert.False(t, bytes.Equal(a, c))
}

func TestDeriveKeysRejectsBadParams(t *testing.T) {
	good := testParams(t)

	cases := map[string]func(p *models.KDFParams){
		"empty salt": func(p *models.KDFParams) { p.Salt = "" },
		"short salt": func(p *models.KDFParams) {
			p.Salt = base64.StdEncoding.EncodeToString(make([]byte, 8))
		},
		"garbage salt": func(p *models.KDFParams) { p.Salt = "%%%" },
		"algorithm":    func(p *models.KDFParams) { p.Algorithm = "scrypt" },
		"zero memory":  func(p *models.KDFParams) { p.Memory = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := good
			mutate(&p)
			_, _, err := DeriveKeys([]byte("pw"), p)
			assert.Error(t, err)
		})
	}

	_, _, err := DeriveKeys(nil, good)
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestDummyParams(t *testing.T) {
	d := DummyParams()
	assert.Equal(t, Algorithm, d.Algorithm)
	assert.Equal(t, uint32(DefaultMemory), d.Memory)
	assert.True(t, IsDummy(d))
	assert.Equal(t, d, DummyParams())

	_, _, err := DeriveKeys([]byte("pw"), d)
	assert.ErrorIs(t, err, ErrInvalidSalt)
}

func TestCompareVerifier(t *testing.T) {
	v := EncodeVerifier(bytes.Repeat([]byte{7}, KeyLen))
	other := EncodeVerifier(bytes.Repeat([]byte{8}, KeyLen))

	assert.True(t, CompareVerifier(v, v))
	assert.False(t, CompareVerifier(v, other))
	assert.False(t, CompareVerifier(v, v[:len(v)-4]))
	assert.False(t, CompareVerifier(v, ""))
	assert.False(t, CompareVerifier("", ""))

	garbage := "!" + v[1:]
	assert.NotPanics(t, func() {
		assert.False(t, CompareVerifier(v, garbage))
		assert.False(t, CompareVerifier(garbage, garbage))
	})
}

func TestValidVerifier(t *testing.T) {
	assert.True(t, ValidVerifier(EncodeVerifier(make([]byte, KeyLen))))
	assert.False(t, ValidVerifier(EncodeVerifier(make([]byte, 16))))
	assert.False(t, ValidVerifier("not base64!"))
}

func TestPoolDerive(t *testing.T) {
	pool := NewPool(1)
	p := testParams(t)

	v, k, err := pool.Derive(context.Background(), []byte("pw"), p)
	require.NoError(t, err)
	want, _, _ := DeriveKeys([]byte("pw"), p)
	assert.Equal(t, want, v)
	assert.Equal(t, want, k)
}

func TestPoolDeriveCancelled(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// hold the only slot so Acquire must observe the cancelled context
	require.NoError(t, pool.sem.Acquire(context.Background(), 1))
	defer pool.sem.Release(1)

	_, _, err := pool.Derive(ctx, []byte("pw"), testParams(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolDeriveCancelledMidway(t *testing.T) {
	pool := NewPool(1)
	p := testParams(t)
	p.Iterations = 8
	p.Memory = 8 * 1024
	want, _, err := DeriveKeys([]byte("secret-pw"), p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	password := []byte("secret-pw")
	go cancel()
	v, _, err := pool.Derive(ctx, password, p)
	// the caller wipes its buffer as soon as Derive returns
	for i := range password {
		password[i] = 0
	}
	if err == nil {
		assert.Equal(t, want, v)
	} else {
		assert.ErrorIs(t, err, context.Canceled)
	}

	// once the slot is released the pool keeps producing correct output
	require.NoError(t, pool.sem.Acquire(context.Background(), 1))
	pool.sem.Release(1)
	v, _, err = pool.Derive(context.Background(), []byte("secret-pw"), p)
	require.NoError(t, err)
	assert.Equal(t, want, v)
}
