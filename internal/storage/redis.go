package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/org/passvault/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisSessionStore is a SessionStore kept in Redis. Each session is a hash
// at <prefix>:sess:<jti>; <prefix>:user:<id> is the set of a user's jtis.
// Conditional updates run as Lua scripts so they stay atomic.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSessionStore returns a store using rdb with keys under prefix.
func NewRedisSessionStore(rdb *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "passvault"
	}
	return &RedisSessionStore{rdb: rdb, prefix: prefix}
}

func (r *RedisSessionStore) sessionKey(jti string) string {
	return r.prefix + ":sess:" + jti
}

func (r *RedisSessionStore) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

// createScript refuses to overwrite an existing jti.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// touchScript and revokeScript only act on sessions without revoked_at.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("HEXISTS", KEYS[1], "revoked_at") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "last_used_at", ARGV[1])
return 1
`)

var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("HEXISTS", KEYS[1], "revoked_at") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
return 1
`)

var revokeUserScript = redis.NewScript(`
local jtis = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, jti in ipairs(jtis) do
  if jti ~= ARGV[2] then
    local key = ARGV[3] .. jti
    if redis.call("EXISTS", key) == 1 and redis.call("HEXISTS", key, "revoked_at") == 0 then
      redis.call("HSET", key, "revoked_at", ARGV[1])
      n = n + 1
    end
  end
end
return n
`)

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixNano(), 10)
}

func decodeTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func (r *RedisSessionStore) CreateSession(ctx context.Context, s *models.Session) error {
	args := []any{
		s.JTI,
		"id", s.ID,
		"user_id", s.UserID,
		"jti", s.JTI,
		"device_id", s.DeviceID,
		"user_agent", s.UserAgent,
		"ip", s.IP,
		"created_at", encodeTime(s.CreatedAt),
		"last_used_at", encodeTime(s.LastUsedAt),
	}
	created, err := createScript.Run(ctx, r.rdb,
		[]string{r.sessionKey(s.JTI), r.userKey(s.UserID)}, args...).Int()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisSessionStore) GetSession(ctx context.Context, jti string) (*models.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(jti)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(fields)
}

func sessionFromHash(h map[string]string) (*models.Session, error) {
	s := &models.Session{
		ID:        h["id"],
		UserID:    h["user_id"],
		JTI:       h["jti"],
		DeviceID:  h["device_id"],
		UserAgent: h["user_agent"],
		IP:        h["ip"],
	}
	var err error
	if s.CreatedAt, err = decodeTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", s.JTI, err)
	}
	if s.LastUsedAt, err = decodeTime(h["last_used_at"]); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", s.JTI, err)
	}
	if v, ok := h["revoked_at"]; ok {
		t, err := decodeTime(v)
		if err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", s.JTI, err)
		}
		s.RevokedAt = &t
	}
	return s, nil
}

func (r *RedisSessionStore) TouchSession(ctx context.Context, jti string, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, r.rdb, []string{r.sessionKey(jti)}, encodeTime(at)).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (r *RedisSessionStore) RevokeSession(ctx context.Context, jti string, at time.Time) (bool, error) {
	n, err := revokeScript.Run(ctx, r.rdb, []string{r.sessionKey(jti)}, encodeTime(at)).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (r *RedisSessionStore) RevokeUserSessions(ctx context.Context, userID, exceptJTI string, at time.Time) (int64, error) {
	n, err := revokeUserScript.Run(ctx, r.rdb, []string{r.userKey(userID)},
		encodeTime(at), exceptJTI, r.prefix+":sess:").Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (r *RedisSessionStore) ListActiveSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	jtis, err := r.rdb.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.HGetAll(ctx, r.sessionKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	var sessions []*models.Session
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		s, err := sessionFromHash(h)
		if err != nil {
			return nil, err
		}
		if s.IsActive() {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	return sessions, nil
}

var _ SessionStore = (*RedisSessionStore)(nil)
