// Package session is the authority for issued sessions. Every
// authenticated request and every refresh consults it; a revoked jti is
// rejected even while its tokens still carry a valid signature.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 5 * time.Second

// Metadata describes the client that opened a session.
type Metadata struct {
	IP        string
	UserAgent string
}

// Registry wraps a SessionStore with the session state machine.
type Registry struct {
	store   storage.SessionStore
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides the per-call store timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a Registry over store.
func NewRegistry(store storage.SessionStore, opts ...Option) *Registry {
	r := &Registry{store: store, timeout: DefaultTimeout, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// storeErr converts storage failures to domain errors; transient ones stay
// retryable.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return autherr.Wrap(autherr.KindNotFound, "Session not found", err)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Create records a new active session for the given jti.
func (r *Registry) Create(ctx context.Context, userID, jti, deviceID string, md Metadata) (*models.Session, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	now := r.now().UTC()
	s := &models.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		JTI:        jti,
		DeviceID:   deviceID,
		UserAgent:  md.UserAgent,
		IP:         md.IP,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, storeErr("creating session", err)
	}
	return s, nil
}

// Get returns the session for jti, active or not.
func (r *Registry) Get(ctx context.Context, jti string) (*models.Session, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	s, err := r.store.GetSession(ctx, jti)
	if err != nil {
		return nil, storeErr("reading session", err)
	}
	return s, nil
}

// Touch advances lastUsedAt. It is a no-op for revoked or unknown sessions.
func (r *Registry) Touch(ctx context.Context, jti string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if _, err := r.store.TouchSession(ctx, jti, r.now().UTC()); err != nil {
		return storeErr("touching session", err)
	}
	return nil
}

// IsActive reports whether jti names an existing, unrevoked session.
func (r *Registry) IsActive(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	s, err := r.Get(ctx, jti)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return s.IsActive(), nil
}

// Require fails with TokenInvalid("Session revoked") unless jti is active.
func (r *Registry) Require(ctx context.Context, jti string) error {
	ok, err := r.IsActive(ctx, jti)
	if err != nil {
		return err
	}
	if !ok {
		return autherr.ErrSessionRevoked
	}
	return nil
}

// Revoke marks jti revoked. It reports whether this call made the
// transition; false means it was already revoked or never existed.
func (r *Registry) Revoke(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	changed, err := r.store.RevokeSession(ctx, jti, r.now().UTC())
	if err != nil {
		return false, storeErr("revoking session", err)
	}
	return changed, nil
}

// RevokeAllExcept revokes every active session of userID other than keepJTI.
func (r *Registry) RevokeAllExcept(ctx context.Context, userID, keepJTI string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.store.RevokeUserSessions(ctx, userID, keepJTI, r.now().UTC())
	if err != nil {
		return 0, storeErr("revoking sessions", err)
	}
	return n, nil
}

// RevokeAll revokes every active session of userID.
func (r *Registry) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return r.RevokeAllExcept(ctx, userID, "")
}

// RevokeOwned revokes jti on behalf of callerID. A session owned by someone
// else is Forbidden, a missing one NotFound, an already revoked one
// BadRequest.
func (r *Registry) RevokeOwned(ctx context.Context, callerID, jti string) error {
	s, err := r.Get(ctx, jti)
	if err != nil {
		return err
	}
	if s.UserID != callerID {
		log.Warn().Str("user_id", callerID).Msg("attempt to revoke another user's session")
		return autherr.New(autherr.KindForbidden, "Forbidden: Session does not belong to current user")
	}
	changed, err := r.Revoke(ctx, jti)
	if err != nil {
		return err
	}
	if !changed {
		return autherr.New(autherr.KindBadRequest, "Session already revoked")
	}
	return nil
}

// ListActive returns userID's active sessions, most recently used first,
// flagging the one identified by currentJTI.
func (r *Registry) ListActive(ctx context.Context, userID, currentJTI string) ([]models.SessionView, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	sessions, err := r.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, storeErr("listing sessions", err)
	}
	views := make([]models.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, models.SessionView{Session: *s, Current: s.JTI == currentJTI})
	}
	return views, nil
}
