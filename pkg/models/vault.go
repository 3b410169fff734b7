package models

import "time"

// VaultItem is one encrypted vault entry. Title, username, URL and tags are
// plaintext for search; EncryptedData holds {password, notes} under the
// user's vault key.
type VaultItem struct {
	ID            string    `json:"id"`
	UserID        string    `json:"-"`
	Title         string    `json:"title"`
	Username      string    `json:"username,omitempty"`
	URL           string    `json:"url,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	EncryptedData string    `json:"encryptedData"`
	IV            string    `json:"iv"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// VaultItemPatch is a partial update; nil fields are left untouched.
type VaultItemPatch struct {
	Title         *string   `json:"title,omitempty"`
	Username      *string   `json:"username,omitempty"`
	URL           *string   `json:"url,omitempty"`
	Tags          *[]string `json:"tags,omitempty"`
	EncryptedData *string   `json:"encryptedData,omitempty"`
	IV            *string   `json:"iv,omitempty"`
	Version       *int      `json:"version,omitempty"`
}

// ImportResult reports the outcome of a vault restore.
type ImportResult struct {
	Imported int   `json:"imported"`
	Deleted  int64 `json:"deleted"`
}
