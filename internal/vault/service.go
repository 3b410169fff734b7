// Package vault stores encrypted vault items. The server sees titles,
// usernames, URLs and tags in the clear for search; passwords and notes
// arrive already encrypted under the user's vault key.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/pkg/models"
)

// MaxImportItems bounds one restore.
const MaxImportItems = 10000

// Store is the persistence the item service needs.
type Store interface {
	ListItems(ctx context.Context, userID string) ([]*models.VaultItem, error)
	GetItem(ctx context.Context, userID, id string) (*models.VaultItem, error)
	CreateItem(ctx context.Context, item *models.VaultItem) error
	UpdateItem(ctx context.Context, userID, id string, patch *models.VaultItemPatch) (*models.VaultItem, error)
	DeleteItem(ctx context.Context, userID, id string) error
	ReplaceItems(ctx context.Context, userID string, items []*models.VaultItem) (int64, error)
}

// Service implements item CRUD, search, export and import. Every call is
// scoped to the owning user.
type Service struct {
	store Store
	audit audit.Recorder
	now   func() time.Time
}

// NewService creates a Service. rec may be nil.
func NewService(store Store, rec audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{store: store, audit: rec, now: time.Now}
}

var errItemNotFound = autherr.New(autherr.KindNotFound, "Vault item not found")

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errItemNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return autherr.Wrap(autherr.KindUnavailable, autherr.ErrUnavailable.Msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// List returns userID's items, most recently updated first.
func (s *Service) List(ctx context.Context, userID string) ([]*models.VaultItem, error) {
	items, err := s.store.ListItems(ctx, userID)
	if err != nil {
		return nil, storeErr("listing items", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if items == nil {
		items = []*models.VaultItem{}
	}
	return items, nil
}

// Search returns items whose title, username, URL or any tag contains q,
// ignoring case. An empty query lists everything.
func (s *Service) Search(ctx context.Context, userID, q string) ([]*models.VaultItem, error) {
	items, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return items, nil
	}
	out := make([]*models.VaultItem, 0, len(items))
	for _, it := range items {
		if matches(it, q) {
			out = append(out, it)
		}
	}
	return out, nil
}

func matches(it *models.VaultItem, q string) bool {
	for _, f := range []string{it.Title, it.Username, it.URL} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	for _, t := range it.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// Get returns one item. Items of other users are reported as missing.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.VaultItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errItemNotFound
	}
	it, err := s.store.GetItem(ctx, userID, id)
	if err != nil {
		return nil, storeErr("reading item", err)
	}
	return it, nil
}

// Create stores a new item for userID.
func (s *Service) Create(ctx context.Context, userID string, it *models.VaultItem) (*models.VaultItem, error) {
	if it.Version == 0 {
		it.Version = 1
	}
	if err := ValidateItem(it); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	it.ID = uuid.NewString()
	it.UserID = userID
	it.CreatedAt, it.UpdatedAt = now, now

	if err := s.store.CreateItem(ctx, it); err != nil {
		return nil, storeErr("creating item", err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.VaultItemCreated,
		UserID:      userID,
		Description: "Vault item created",
		Metadata:    map[string]any{"itemId": it.ID},
	})
	return it, nil
}

// Update applies a partial update to an item owned by userID.
func (s *Service) Update(ctx context.Context, userID, id string, patch *models.VaultItemPatch) (*models.VaultItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errItemNotFound
	}
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}
	it, err := s.store.UpdateItem(ctx, userID, id, patch)
	if err != nil {
		return nil, storeErr("updating item", err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.VaultItemUpdated,
		UserID:      userID,
		Description: "Vault item updated",
		Metadata:    map[string]any{"itemId": id},
	})
	return it, nil
}

// Delete removes an item owned by userID.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errItemNotFound
	}
	if err := s.store.DeleteItem(ctx, userID, id); err != nil {
		return storeErr("deleting item", err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.VaultItemDeleted,
		UserID:      userID,
		Description: "Vault item deleted",
		Metadata:    map[string]any{"itemId": id},
	})
	return nil
}

// Export returns every item of userID for backup.
func (s *Service) Export(ctx context.Context, userID string) ([]*models.VaultItem, error) {
	items, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.VaultExported,
		UserID:      userID,
		Description: "Vault exported",
		Metadata:    map[string]any{"count": len(items)},
	})
	return items, nil
}

// Import replaces all of userID's items with items in one transaction.
// Items keep their timestamps when present; IDs are always reassigned.
func (s *Service) Import(ctx context.Context, userID string, items []*models.VaultItem) (*models.ImportResult, error) {
	if len(items) > MaxImportItems {
		return nil, badRequest("too many items to import")
	}
	now := s.now().UTC()
	for i, it := range items {
		if it == nil {
			return nil, autherr.Newf(autherr.KindBadRequest, "item %d is empty", i)
		}
		if it.Version == 0 {
			it.Version = 1
		}
		if err := ValidateItem(it); err != nil {
			return nil, autherr.Newf(autherr.KindBadRequest, "item %d: %s", i, err.Error())
		}
		it.ID = uuid.NewString()
		it.UserID = userID
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = it.CreatedAt
		}
	}

	deleted, err := s.store.ReplaceItems(ctx, userID, items)
	if err != nil {
		return nil, storeErr("importing items", err)
	}
	res := &models.ImportResult{Imported: len(items), Deleted: deleted}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.VaultImported,
		UserID:      userID,
		Description: "Vault imported",
		Metadata:    map[string]any{"imported": res.Imported, "deleted": res.Deleted},
	})
	return res, nil
}
