// Package refsync keeps the links between inventory items and projects
// consistent in both directions. Updates are best-effort: a missing entity is
// skipped, an error is logged and the remaining entities are still updated.
package refsync

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// Collection is the subset of a store the syncer needs.
type Collection[R any] interface {
	Get(id string) (R, bool)
	List() []R
	Update(ctx context.Context, id string, fn func(R) error) (R, error)
}

// Result summarizes one sync call.
type Result struct {
	Updated int
	Skipped int
	Failed  int
}

func (r *Result) add(o Result) {
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// errUnchanged aborts an update that would not change the row.
var errUnchanged = errors.New("unchanged")

// Syncer updates back-references between the two collections.
type Syncer struct {
	projects  Collection[*mapper.ProjectRow]
	inventory Collection[*mapper.InventoryRow]
	log       *slog.Logger
}

// New returns a Syncer over the given collections.
func New(projects Collection[*mapper.ProjectRow], inventory Collection[*mapper.InventoryRow], log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{projects: projects, inventory: inventory, log: log.With("component", "refsync")}
}

// SyncInventoryToProjects adds itemID to the yarn or hook list of every
// project in newProjectIDs that is not in oldProjectIDs, and removes it from
// every project that was dropped. Items of other categories are not listed on
// projects.
func (s *Syncer) SyncInventoryToProjects(ctx context.Context, itemID string, category model.Category, newProjectIDs, oldProjectIDs []string) Result {
	added, removed := diff(newProjectIDs, oldProjectIDs)

	var res Result
	if category != model.CategoryYarn && category != model.CategoryHook {
		res.Skipped = len(added) + len(removed)
		return res
	}

	for _, projectID := range added {
		res.add(s.updateProject(ctx, projectID, func(p *mapper.ProjectRow) bool {
			return withProjectList(p, category, func(ids []string) []string {
				if slices.Contains(ids, itemID) {
					return ids
				}
				return append(ids, itemID)
			})
		}))
	}
	for _, projectID := range removed {
		res.add(s.updateProject(ctx, projectID, func(p *mapper.ProjectRow) bool {
			return withProjectList(p, category, func(ids []string) []string {
				return without(ids, itemID)
			})
		}))
	}

	s.log.Debug("synced inventory to projects", "item", itemID, "added", len(added), "removed", len(removed), "updated", res.Updated)
	return res
}

// RemoveInventoryFromProjects strips a deleted item from every project that
// references it, including its yarn material entries.
func (s *Syncer) RemoveInventoryFromProjects(ctx context.Context, itemID string, category model.Category) Result {
	var res Result
	for _, p := range s.projects.List() {
		dom := mapper.ProjectToDomain(p)
		if !slices.Contains(dom.UsedInventoryIDs(), itemID) {
			continue
		}
		res.add(s.updateProject(ctx, p.ID, func(p *mapper.ProjectRow) bool {
			changed := withProjectList(p, model.CategoryYarn, func(ids []string) []string { return without(ids, itemID) })
			changed = withProjectList(p, model.CategoryHook, func(ids []string) []string { return without(ids, itemID) }) || changed

			materials := mapper.ParseList[model.YarnMaterial]("yarn_materials", p.YarnMaterials)
			kept := slices.DeleteFunc(slices.Clone(materials), func(m model.YarnMaterial) bool { return m.ItemID == itemID })
			if len(kept) != len(materials) {
				p.YarnMaterials = mapper.EncodeList("yarn_materials", kept)
				changed = true
			}
			return changed
		}))
	}

	s.log.Info("removed inventory item from projects", "item", itemID, "category", category, "updated", res.Updated, "failed", res.Failed)
	return res
}

// RemoveProjectFromInventory strips a deleted project from the usage list of
// every inventory item.
func (s *Syncer) RemoveProjectFromInventory(ctx context.Context, projectID string) Result {
	var res Result
	for _, item := range s.inventory.List() {
		if !slices.Contains(mapper.ParseStrings("used_in_projects", item.UsedInProjects), projectID) {
			continue
		}
		res.add(s.updateItem(ctx, item.ID, func(ids []string) []string {
			return without(ids, projectID)
		}))
	}

	s.log.Info("removed project from inventory", "project", projectID, "updated", res.Updated, "failed", res.Failed)
	return res
}

// SyncProjectToInventory adds projectID to the usage list of every item in
// newItemIDs that is not in oldItemIDs, and removes it from every item that
// was dropped.
func (s *Syncer) SyncProjectToInventory(ctx context.Context, projectID string, newItemIDs, oldItemIDs []string) Result {
	added, removed := diff(newItemIDs, oldItemIDs)

	var res Result
	for _, itemID := range added {
		res.add(s.updateItem(ctx, itemID, func(ids []string) []string {
			if slices.Contains(ids, projectID) {
				return ids
			}
			return append(ids, projectID)
		}))
	}
	for _, itemID := range removed {
		res.add(s.updateItem(ctx, itemID, func(ids []string) []string {
			return without(ids, projectID)
		}))
	}

	s.log.Debug("synced project to inventory", "project", projectID, "added", len(added), "removed", len(removed), "updated", res.Updated)
	return res
}

func (s *Syncer) updateProject(ctx context.Context, id string, fn func(*mapper.ProjectRow) bool) Result {
	if _, ok := s.projects.Get(id); !ok {
		s.log.Warn("referenced project not found", "project", id)
		metrics.RefSyncTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: 1}
	}
	_, err := s.projects.Update(ctx, id, func(p *mapper.ProjectRow) error {
		if !fn(p) {
			return errUnchanged
		}
		return nil
	})
	return s.outcome("project", id, err)
}

func (s *Syncer) updateItem(ctx context.Context, id string, fn func([]string) []string) Result {
	if _, ok := s.inventory.Get(id); !ok {
		s.log.Warn("referenced inventory item not found", "item", id)
		metrics.RefSyncTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: 1}
	}
	_, err := s.inventory.Update(ctx, id, func(item *mapper.InventoryRow) error {
		before := mapper.ParseStrings("used_in_projects", item.UsedInProjects)
		after := fn(slices.Clone(before))
		if slices.Equal(before, after) {
			return errUnchanged
		}
		item.UsedInProjects = mapper.EncodeList("used_in_projects", after)
		return nil
	})
	return s.outcome("inventory item", id, err)
}

func (s *Syncer) outcome(kind, id string, err error) Result {
	switch {
	case err == nil:
		metrics.RefSyncTotal.WithLabelValues("updated").Inc()
		return Result{Updated: 1}
	case errors.Is(err, errUnchanged):
		metrics.RefSyncTotal.WithLabelValues("unchanged").Inc()
		return Result{Skipped: 1}
	case errors.Is(err, store.ErrNotFound):
		s.log.Warn("referenced "+kind+" disappeared", "id", id)
		metrics.RefSyncTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: 1}
	default:
		s.log.Error("updating "+kind+" references", "id", id, "error", err)
		metrics.RefSyncTotal.WithLabelValues("failed").Inc()
		return Result{Failed: 1}
	}
}

// withProjectList rewrites the yarn or hook id list of p and reports whether
// it changed.
func withProjectList(p *mapper.ProjectRow, category model.Category, fn func([]string) []string) bool {
	field, column := "yarn_used_ids", &p.YarnUsedIDs
	if category == model.CategoryHook {
		field, column = "hook_used_ids", &p.HookUsedIDs
	}
	before := mapper.ParseStrings(field, *column)
	after := fn(slices.Clone(before))
	if slices.Equal(before, after) {
		return false
	}
	*column = mapper.EncodeList(field, after)
	return true
}

// diff returns the ids only in next and the ids only in prev, in order and
// without duplicates.
func diff(next, prev []string) (added, removed []string) {
	for _, id := range next {
		if id != "" && !slices.Contains(prev, id) && !slices.Contains(added, id) {
			added = append(added, id)
		}
	}
	for _, id := range prev {
		if id != "" && !slices.Contains(next, id) && !slices.Contains(removed, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
