package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/passvault/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

var _ StorageBackend = (*PostgresBackend)(nil)

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ErrAlreadyExists
		case pgErr.Code == "22P02":
			// malformed uuid in a lookup
			return ErrNotFound
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return fmt.Errorf("%w: %s", ErrUnavailable, pgErr.Code)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- Users ---

const userColumns = `id, email, password_verifier, kdf_algorithm, kdf_memory, kdf_iterations, kdf_parallelism, kdf_salt,
	vault_key_enc, vault_key_enc_iv, COALESCE(totp_secret_enc, ''), COALESCE(totp_secret_enc_iv, ''),
	two_factor_enabled, created_at, updated_at`

func (p *PostgresBackend) CreateUser(ctx context.Context, u *models.User) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, password_verifier, kdf_algorithm, kdf_memory, kdf_iterations, kdf_parallelism, kdf_salt,
			vault_key_enc, vault_key_enc_iv, two_factor_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NOW(), NOW())
		 RETURNING created_at`,
		u.ID, u.Email, u.PasswordVerifier, u.KDFParams.Algorithm, int64(u.KDFParams.Memory),
		int64(u.KDFParams.Iterations), int16(u.KDFParams.Parallelism), u.KDFParams.Salt,
		u.VaultKeyEnc, u.VaultKeyEncIV,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", classify(err))
	}
	u.UpdatedAt = u.CreatedAt
	return nil
}

func (p *PostgresBackend) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (p *PostgresBackend) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var memory, iterations int64
	var parallelism int16
	err := row.Scan(&u.ID, &u.Email, &u.PasswordVerifier, &u.KDFParams.Algorithm, &memory, &iterations,
		&parallelism, &u.KDFParams.Salt, &u.VaultKeyEnc, &u.VaultKeyEncIV, &u.TOTPSecretEnc,
		&u.TOTPSecretEncIV, &u.TwoFactorEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	u.KDFParams.Memory = uint32(memory)
	u.KDFParams.Iterations = uint32(iterations)
	u.KDFParams.Parallelism = uint8(parallelism)
	return &u, nil
}

func (p *PostgresBackend) UpdateTOTP(ctx context.Context, userID, secretEnc, secretEncIV string, enabled bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET totp_secret_enc = $2, totp_secret_enc_iv = $3, two_factor_enabled = $4, updated_at = NOW()
		 WHERE id = $1`,
		userID, nullableString(secretEnc), nullableString(secretEncIV), enabled,
	)
	if err != nil {
		return fmt.Errorf("updating totp: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, user_id, jti, COALESCE(device_id, ''), COALESCE(user_agent, ''), COALESCE(ip, ''),
	created_at, last_used_at, revoked_at`

func (p *PostgresBackend) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, jti, device_id, user_agent, ip, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.JTI, nullableString(s.DeviceID), nullableString(s.UserAgent),
		nullableString(s.IP), s.CreatedAt, s.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", classify(err))
	}
	return nil
}

func (p *PostgresBackend) GetSession(ctx context.Context, jti string) (*models.Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE jti = $1`, jti))
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.JTI, &s.DeviceID, &s.UserAgent, &s.IP,
		&s.CreatedAt, &s.LastUsedAt, &s.RevokedAt); err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (p *PostgresBackend) TouchSession(ctx context.Context, jti string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_used_at = $2 WHERE jti = $1 AND revoked_at IS NULL`, jti, at)
	if err != nil {
		return false, fmt.Errorf("touching session: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) RevokeSession(ctx context.Context, jti string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE jti = $1 AND revoked_at IS NULL`, jti, at)
	if err != nil {
		return false, fmt.Errorf("revoking session: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) RevokeUserSessions(ctx context.Context, userID, exceptJTI string, at time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $3
		 WHERE user_id = $1 AND revoked_at IS NULL AND ($2 = '' OR jti <> $2)`,
		userID, exceptJTI, at,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) ListActiveSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL
		 ORDER BY last_used_at DESC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, classify(rows.Err())
}

// --- Vault items ---

const itemColumns = `id, user_id, title, username, url, tags, encrypted_data, iv, version, created_at, updated_at`

func scanItem(row pgx.Row) (*models.VaultItem, error) {
	var it models.VaultItem
	if err := row.Scan(&it.ID, &it.UserID, &it.Title, &it.Username, &it.URL, &it.Tags,
		&it.EncryptedData, &it.IV, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	return &it, nil
}

func (p *PostgresBackend) ListItems(ctx context.Context, userID string) ([]*models.VaultItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM vault_items WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var items []*models.VaultItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, classify(rows.Err())
}

func (p *PostgresBackend) GetItem(ctx context.Context, userID, id string) (*models.VaultItem, error) {
	return scanItem(p.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM vault_items WHERE id = $1 AND user_id = $2`, id, userID))
}

func (p *PostgresBackend) CreateItem(ctx context.Context, it *models.VaultItem) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vault_items (id, user_id, title, username, url, tags, encrypted_data, iv, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		it.ID, it.UserID, it.Title, it.Username, it.URL, tagsOrEmpty(it.Tags), it.EncryptedData, it.IV,
		it.Version, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting vault item: %w", classify(err))
	}
	return nil
}

func (p *PostgresBackend) UpdateItem(ctx context.Context, userID, id string, patch *models.VaultItemPatch) (*models.VaultItem, error) {
	var tags []string
	if patch.Tags != nil {
		tags = tagsOrEmpty(*patch.Tags)
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE vault_items SET
			title = COALESCE($3, title),
			username = COALESCE($4, username),
			url = COALESCE($5, url),
			tags = COALESCE($6::text[], tags),
			encrypted_data = COALESCE($7, encrypted_data),
			iv = COALESCE($8, iv),
			version = COALESCE($9, version),
			updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+itemColumns,
		id, userID, patch.Title, patch.Username, patch.URL, tags, patch.EncryptedData, patch.IV, patch.Version,
	)
	return scanItem(row)
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (p *PostgresBackend) DeleteItem(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM vault_items WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting vault item: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ReplaceItems(ctx context.Context, userID string, items []*models.VaultItem) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM vault_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clearing vault: %w", classify(err))
	}

	if len(items) > 0 {
		owner, err := uuid.Parse(userID)
		if err != nil {
			return 0, ErrNotFound
		}
		cols := []string{"id", "user_id", "title", "username", "url", "tags", "encrypted_data", "iv", "version", "created_at", "updated_at"}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"vault_items"}, cols,
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				it := items[i]
				id, err := uuid.Parse(it.ID)
				if err != nil {
					return nil, fmt.Errorf("item %d: invalid id", i)
				}
				return []any{id, owner, it.Title, it.Username, it.URL, tagsOrEmpty(it.Tags),
					it.EncryptedData, it.IV, it.Version, it.CreatedAt, it.UpdatedAt}, nil
			}),
		)
		if err != nil {
			return 0, fmt.Errorf("importing vault items: %w", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (user_id, event_type, description, ip, user_agent, request_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		nullableString(entry.UserID), entry.EventType, entry.Description, nullableString(entry.IP),
		nullableString(entry.UserAgent), nullableString(entry.RequestID), metaJSON, entry.CreatedAt,
	)
	return classify(err)
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, COALESCE(user_id::text, ''), event_type, description, COALESCE(ip, ''),
		COALESCE(user_agent, ''), COALESCE(request_id, ''), metadata, created_at FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.UserID != "" {
		fmt.Fprintf(&query, ` AND user_id = $%d`, n)
		args = append(args, filter.UserID)
		n++
	}
	if filter.EventType != "" {
		fmt.Fprintf(&query, ` AND event_type = $%d`, n)
		args = append(args, filter.EventType)
		n++
	}
	if filter.Start != nil {
		fmt.Fprintf(&query, ` AND created_at >= $%d`, n)
		args = append(args, *filter.Start)
		n++
	}
	if filter.End != nil {
		fmt.Fprintf(&query, ` AND created_at <= $%d`, n)
		args = append(args, *filter.End)
		n++
	}
	query.WriteString(` ORDER BY created_at DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Description, &e.IP,
			&e.UserAgent, &e.RequestID, &metaJSON, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, classify(rows.Err())
}

// --- Metrics ---

func (p *PostgresBackend) CountActiveSessions(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE revoked_at IS NULL`).Scan(&count)
	return count, classify(err)
}
