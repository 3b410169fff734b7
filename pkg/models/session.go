package models

import "time"

// Session is a durable record of an issued access/refresh pair. A session
// is active while RevokedAt is nil. Rows are never deleted.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	JTI        string     `json:"jti"`
	DeviceID   string     `json:"deviceId,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	IP         string     `json:"ip,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt time.Time  `json:"lastUsedAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// IsActive returns true if the session has not been revoked.
func (s *Session) IsActive() bool {
	return s.RevokedAt == nil
}

// SessionView is a session as listed to its owner.
type SessionView struct {
	Session
	Current bool `json:"current"`
}
