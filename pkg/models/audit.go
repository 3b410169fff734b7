package models

import "time"

// AuditEntry is a single security event. It must never carry verifiers,
// keys, TOTP secrets, codes or tokens.
type AuditEntry struct {
	ID          int64          `json:"id"`
	UserID      string         `json:"userId,omitempty"`
	EventType   string         `json:"eventType"`
	Description string         `json:"description"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
