package kdf

import (
	"context"
	"fmt"
	"runtime"

	"github.com/org/passvault/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many Argon2id derivations run at once. Each derivation
// costs roughly Memory KiB of RAM and a full core for its duration.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a Pool allowing n concurrent derivations; n <= 0 means
// GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n))}
}

type deriveResult struct {
	verifier, key []byte
	err           error
}

// Derive runs DeriveKeys on a separate goroutine once a slot is free. It
// returns early if ctx is cancelled while waiting or deriving; a derivation
// already started still finishes on a private copy of password, and both the
// copy and its output are wiped. The caller may zero password on return.
func (p *Pool) Derive(ctx context.Context, password []byte, params models.KDFParams) (verifier, passwordKey []byte, err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("waiting for kdf slot: %w", err)
	}

	// the goroutine may outlive this call, so it owns its own copy
	pw := make([]byte, len(password))
	copy(pw, password)

	done := make(chan deriveResult, 1)
	go func() {
		defer p.sem.Release(1)
		defer zero(pw)
		v, k, err := DeriveKeys(pw, params)
		done <- deriveResult{v, k, err}
	}()

	select {
	case r := <-done:
		return r.verifier, r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			zero(r.verifier)
			zero(r.key)
		}()
		return nil, nil, ctx.Err()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
