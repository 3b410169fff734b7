package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/passvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a unique constraint (email, jti) is hit.
var ErrAlreadyExists = errors.New("already exists")

// ErrUnavailable marks a transient backend failure; the operation may be
// retried unchanged.
var ErrUnavailable = errors.New("storage unavailable")

// SessionStore persists session records. Every mutation is a conditional
// update on revoked_at being unset, so concurrent refresh/revoke races
// resolve in favour of revocation.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, jti string) (*models.Session, error)
	// TouchSession advances last_used_at; it reports whether a row changed.
	TouchSession(ctx context.Context, jti string, at time.Time) (bool, error)
	// RevokeSession reports whether it transitioned an active session.
	RevokeSession(ctx context.Context, jti string, at time.Time) (bool, error)
	// RevokeUserSessions revokes all active sessions of userID except
	// exceptJTI (empty means none kept) and returns how many changed.
	RevokeUserSessions(ctx context.Context, userID, exceptJTI string, at time.Time) (int64, error)
	ListActiveSessions(ctx context.Context, userID string) ([]*models.Session, error)
}

// StorageBackend defines the persistence interface for passvault.
type StorageBackend interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	// UpdateTOTP replaces the TOTP secret and 2FA flag as one unit.
	UpdateTOTP(ctx context.Context, userID, secretEnc, secretEncIV string, enabled bool) error

	// Sessions
	SessionStore

	// Vault items
	ListItems(ctx context.Context, userID string) ([]*models.VaultItem, error)
	GetItem(ctx context.Context, userID, id string) (*models.VaultItem, error)
	CreateItem(ctx context.Context, item *models.VaultItem) error
	// UpdateItem applies patch to the item owned by userID.
	UpdateItem(ctx context.Context, userID, id string, patch *models.VaultItemPatch) (*models.VaultItem, error)
	DeleteItem(ctx context.Context, userID, id string) error
	// ReplaceItems deletes every item of userID and inserts items in one
	// transaction, returning the number deleted.
	ReplaceItems(ctx context.Context, userID string, items []*models.VaultItem) (int64, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountActiveSessions(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	UserID    string
	EventType string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}
