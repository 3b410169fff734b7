// Package audit records security events. Recording is fire-and-forget: a
// failed write is logged and never reaches the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	LoginSuccess      = "login_success"
	LoginFailed       = "login_failed"
	Login2FARequired  = "login_2fa_required"
	Login2FAFailed    = "login_2fa_failed"
	Logout            = "logout"
	Register          = "register"
	TokenRefresh      = "token_refresh"
	SessionRevoked    = "session_revoked"
	SessionRevokedAll = "session_revoked_all"
	Unauthorized      = "unauthorized_access"

	VaultItemCreated = "vault_item_created"
	VaultItemUpdated = "vault_item_updated"
	VaultItemDeleted = "vault_item_deleted"
	VaultExported    = "vault_exported"
	VaultImported    = "vault_imported"

	TOTPSetupStarted  = "totp_setup_started"
	TOTPEnabled       = "totp_enabled"
	TOTPEnableFailed  = "totp_enable_failed"
	TOTPDisabled      = "totp_disabled"
	TOTPDisableFailed = "totp_disable_failed"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	writeTimeout = 5 * time.Second
)

// Event is one thing worth recording. Metadata must never carry verifiers,
// keys, TOTP secrets, codes or tokens.
type Event struct {
	Type        string
	UserID      string
	Description string
	Metadata    map[string]any
}

// Recorder is the sink the rest of the server writes to.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Store is the persistence the Logger needs.
type Store interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// RequestInfo describes the client behind the current request.
type RequestInfo struct {
	IP        string
	UserAgent string
	RequestID string
}

type requestInfoKey struct{}

// WithRequestInfo attaches client details that Record copies into entries.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the client details attached to ctx, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Logger writes audit entries to a Store.
type Logger struct {
	store Store
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// Record writes ev in the background. The write outlives ctx cancellation
// but is bounded by its own timeout.
func (l *Logger) Record(ctx context.Context, ev Event) {
	info := RequestInfoFrom(ctx)
	entry := &models.AuditEntry{
		UserID:      ev.UserID,
		EventType:   ev.Type,
		Description: ev.Description,
		IP:          info.IP,
		UserAgent:   info.UserAgent,
		RequestID:   info.RequestID,
		Metadata:    ev.Metadata,
		CreatedAt:   l.now().UTC(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := l.store.WriteAuditEntry(wctx, entry); err != nil {
			log.Warn().Err(err).
				Str("event", entry.EventType).
				Str("user_id", entry.UserID).
				Msg("failed to write audit entry")
		}
	}()
}

// Flush waits for in-flight writes.
func (l *Logger) Flush() {
	l.wg.Wait()
}

// Query retrieves paginated audit log entries, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return l.store.QueryAuditLog(ctx, filter)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
