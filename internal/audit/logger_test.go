package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
	filter  storage.AuditFilter
	err     error
}

func (f *fakeStore) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	f.filter = filter
	return f.entries, nil
}

func TestRecordCarriesRequestInfo(t *testing.T) {
	store := &fakeStore{}
	l := NewLogger(store)

	ctx, cancel := context.WithCancel(WithRequestInfo(context.Background(), RequestInfo{
		IP:        "203.0.113.7",
		UserAgent: "passvault-cli",
		RequestID: "req-1",
	}))
	l.Record(ctx, Event{Type: LoginSuccess, UserID: "u1", Description: "Login successful"})
	// The write must survive the request context going away.
	cancel()
	l.Flush()

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, LoginSuccess, e.EventType)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "203.0.113.7", e.IP)
	assert.Equal(t, "passvault-cli", e.UserAgent)
	assert.Equal(t, "req-1", e.RequestID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	l := NewLogger(&fakeStore{err: errors.New("db down")})
	assert.NotPanics(t, func() {
		l.Record(context.Background(), Event{Type: Logout, UserID: "u1"})
		l.Flush()
	})
}

func TestQueryClampsPaging(t *testing.T) {
	store := &fakeStore{}
	l := NewLogger(store)

	_, err := l.Query(context.Background(), storage.AuditFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, store.filter.Limit)

	_, err = l.Query(context.Background(), storage.AuditFilter{UserID: "u1", Limit: 10_000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, store.filter.Limit)
	assert.Zero(t, store.filter.Offset)
}

func TestRequestInfoFromEmptyContext(t *testing.T) {
	assert.Equal(t, RequestInfo{}, RequestInfoFrom(context.Background()))
}
