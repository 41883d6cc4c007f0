// Package inventory manages the user's yarn, hooks and other supplies on top
// of the inventory store.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/refsync"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// Store is the inventory collection.
type Store interface {
	refsync.Collection[*mapper.InventoryRow]
	Add(ctx context.Context, row *mapper.InventoryRow) (*mapper.InventoryRow, error)
	Delete(ctx context.Context, id string) error
	Subscribe(fn func([]*mapper.InventoryRow)) (unsubscribe func())
}

// Enqueuer accepts images for upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, candidates []imagequeue.Candidate) (int, error)
}

// ErrNotFound is returned for unknown or deleted items.
var ErrNotFound = errors.New("inventory item not found")

var errUnchanged = errors.New("unchanged")

// Service implements the inventory operations.
type Service struct {
	store  Store
	sync   *refsync.Syncer
	queue  Enqueuer
	userID string
	log    *slog.Logger
}

// NewService returns a service over st. sync and queue may be nil.
func NewService(st Store, sync *refsync.Syncer, queue Enqueuer, userID string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, sync: sync, queue: queue, userID: userID, log: log.With("component", "inventory")}
}

// Add stores a new item, links it to the projects in UsedInProjects and
// queues its local images for upload.
func (s *Service) Add(ctx context.Context, item model.InventoryItem) (model.InventoryItem, error) {
	normalize(&item)
	if err := item.Validate(); err != nil {
		return model.InventoryItem{}, fmt.Errorf("adding inventory item: %w", err)
	}

	row, err := s.store.Add(ctx, mapper.InventoryToRow(&item, s.userID))
	if err != nil {
		return model.InventoryItem{}, err
	}
	added := mapper.InventoryToDomain(row)

	s.log.Info("added inventory item", "id", added.ID, "name", added.Name, "category", added.Category)
	s.afterWrite(ctx, &added, nil)
	return added, nil
}

// Get returns the active item with the given id.
func (s *Service) Get(id string) (model.InventoryItem, bool) {
	row, ok := s.store.Get(id)
	if !ok {
		return model.InventoryItem{}, false
	}
	return mapper.InventoryToDomain(row), true
}

// List returns the active items of category, or every item when category is
// empty.
func (s *Service) List(category model.Category) []model.InventoryItem {
	return filter(s.store.List(), category)
}

// Subscribe calls fn with every item after each change of the collection.
func (s *Service) Subscribe(fn func([]model.InventoryItem)) (unsubscribe func()) {
	return s.store.Subscribe(func(rows []*mapper.InventoryRow) {
		fn(filter(rows, ""))
	})
}

// Update applies fn to the item and stores the result. Project links and
// local images are synced afterwards.
func (s *Service) Update(ctx context.Context, id string, fn func(*model.InventoryItem) error) (model.InventoryItem, error) {
	item, before, err := s.update(ctx, id, fn)
	if err != nil {
		return model.InventoryItem{}, err
	}
	s.afterWrite(ctx, &item, before.UsedInProjects)
	return item, nil
}

// UpdateQuantity adds delta to the quantity of an item. The quantity never
// drops below zero.
func (s *Service) UpdateQuantity(ctx context.Context, id string, delta int) (model.InventoryItem, error) {
	item, _, err := s.update(ctx, id, func(item *model.InventoryItem) error {
		item.Quantity = max(item.Quantity+delta, 0)
		return nil
	})
	if err != nil {
		return model.InventoryItem{}, err
	}
	s.log.Debug("adjusted quantity", "id", id, "delta", delta, "quantity", item.Quantity)
	return item, nil
}

// SetProjects replaces the projects the item is used in and updates the
// projects' own lists to match.
func (s *Service) SetProjects(ctx context.Context, id string, projectIDs []string) (model.InventoryItem, error) {
	return s.Update(ctx, id, func(item *model.InventoryItem) error {
		item.UsedInProjects = slices.Clone(projectIDs)
		return nil
	})
}

// Delete removes the item and strips it from every project referencing it.
func (s *Service) Delete(ctx context.Context, id string) error {
	item, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("deleted inventory item", "id", id, "name", item.Name)

	if s.sync != nil {
		s.sync.RemoveInventoryFromProjects(ctx, id, item.Category)
	}
	return nil
}

// HandleImageUploaded replaces a local image of the item with its uploaded URL.
func (s *Service) HandleImageUploaded(ctx context.Context, itemID string, imageIndex int, newURL, oldURI string) {
	_, _, err := s.update(ctx, itemID, func(item *model.InventoryItem) error {
		if !imagequeue.SpliceImage(item.Images, imageIndex, oldURI, newURL) {
			return errUnchanged
		}
		return nil
	})
	s.logImageUpdate("uploaded image", itemID, err)
}

// HandleStaleImage drops a local image whose file no longer exists.
func (s *Service) HandleStaleImage(ctx context.Context, itemID, uri string) {
	_, _, err := s.update(ctx, itemID, func(item *model.InventoryItem) error {
		n := len(item.Images)
		item.Images = slices.DeleteFunc(item.Images, func(u string) bool { return u == uri })
		if len(item.Images) == n {
			return errUnchanged
		}
		return nil
	})
	s.logImageUpdate("removed stale image", itemID, err)
}

func (s *Service) logImageUpdate(msg, itemID string, err error) {
	switch {
	case err == nil:
		s.log.Info(msg, "id", itemID)
	case errors.Is(err, errUnchanged):
	case errors.Is(err, ErrNotFound):
		s.log.Debug(msg+": item is gone", "id", itemID)
	default:
		s.log.Error(msg, "id", itemID, "error", err)
	}
}

// update runs fn against the domain form of the row and returns the stored
// item together with its previous state.
func (s *Service) update(ctx context.Context, id string, fn func(*model.InventoryItem) error) (model.InventoryItem, model.InventoryItem, error) {
	var before model.InventoryItem
	row, err := s.store.Update(ctx, id, func(r *mapper.InventoryRow) error {
		before = mapper.InventoryToDomain(r)
		item := mapper.InventoryToDomain(r)
		if err := fn(&item); err != nil {
			return err
		}
		normalize(&item)
		if err := item.Validate(); err != nil {
			return fmt.Errorf("updating inventory item %s: %w", id, err)
		}
		*r = *mapper.InventoryToRow(&item, r.UserID)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.InventoryItem{}, before, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.InventoryItem{}, before, err
	}
	return mapper.InventoryToDomain(row), before, nil
}

// afterWrite propagates a write to the projects and the upload queue. Errors
// are logged by the callees and never fail the write.
func (s *Service) afterWrite(ctx context.Context, item *model.InventoryItem, oldProjects []string) {
	if s.sync != nil && !slices.Equal(item.UsedInProjects, oldProjects) {
		s.sync.SyncInventoryToProjects(ctx, item.ID, item.Category, item.UsedInProjects, oldProjects)
	}
	if s.queue == nil {
		return
	}
	if candidates := imagequeue.LocalCandidates(item.ID, imagequeue.ItemInventory, item.Images); len(candidates) > 0 {
		if _, err := s.queue.Enqueue(ctx, candidates); err != nil {
			s.log.Warn("queueing images", "id", item.ID, "error", err)
		}
	}
}

// normalize trims names and de-duplicates tags and project ids, keeping their
// first occurrence.
func normalize(item *model.InventoryItem) {
	item.Name = strings.TrimSpace(item.Name)
	item.Tags = dedup(item.Tags, true)
	item.UsedInProjects = dedup(item.UsedInProjects, false)
	if item.Unit == "" {
		item.Unit = "piece"
		if item.Category == model.CategoryYarn {
			item.Unit = "skein"
		}
	}
}

func dedup(values []string, trim bool) []string {
	var out []string
	for _, v := range values {
		if trim {
			v = strings.TrimSpace(v)
		}
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func filter(rows []*mapper.InventoryRow, category model.Category) []model.InventoryItem {
	out := make([]model.InventoryItem, 0, len(rows))
	for _, r := range rows {
		if category != "" && model.Category(r.Category) != category {
			continue
		}
		out = append(out, mapper.InventoryToDomain(r))
	}
	return out
}
