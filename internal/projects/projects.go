// Package projects manages crochet and knitting projects: their materials,
// journal, time tracking and images.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/refsync"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// Store is the project collection.
type Store interface {
	refsync.Collection[*mapper.ProjectRow]
	Add(ctx context.Context, row *mapper.ProjectRow) (*mapper.ProjectRow, error)
	Delete(ctx context.Context, id string) error
	Subscribe(fn func([]*mapper.ProjectRow)) (unsubscribe func())
}

// Enqueuer accepts images for upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, candidates []imagequeue.Candidate) (int, error)
}

var (
	ErrNotFound      = errors.New("project not found")
	ErrEntryNotFound = errors.New("journal entry not found")
)

var errUnchanged = errors.New("unchanged")

// Service implements the project operations.
type Service struct {
	store  Store
	sync   *refsync.Syncer
	queue  Enqueuer
	userID string
	log    *slog.Logger

	// Now is the clock used for journal and time tracking.
	Now func() time.Time
}

// NewService returns a service over st. sync and queue may be nil.
func NewService(st Store, sync *refsync.Syncer, queue Enqueuer, userID string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  st,
		sync:   sync,
		queue:  queue,
		userID: userID,
		log:    log.With("component", "projects"),
		Now:    time.Now,
	}
}

// Add stores a new project, links the inventory it uses and queues its local
// images for upload.
func (s *Service) Add(ctx context.Context, p model.Project) (model.Project, error) {
	if p.Status == "" {
		p.Status = model.StatusToDo
	}
	s.normalize(&p, nil)
	if err := p.Validate(); err != nil {
		return model.Project{}, fmt.Errorf("adding project: %w", err)
	}

	row, err := s.store.Add(ctx, mapper.ProjectToRow(&p, s.userID))
	if err != nil {
		return model.Project{}, err
	}
	added := mapper.ProjectToDomain(row)

	s.log.Info("added project", "id", added.ID, "title", added.Title)
	s.afterWrite(ctx, &added, nil)
	return added, nil
}

// Get returns the active project with the given id.
func (s *Service) Get(id string) (model.Project, bool) {
	row, ok := s.store.Get(id)
	if !ok {
		return model.Project{}, false
	}
	return mapper.ProjectToDomain(row), true
}

// List returns the active projects with the given status, or every project
// when status is empty.
func (s *Service) List(status model.ProjectStatus) []model.Project {
	return filter(s.store.List(), status)
}

// Subscribe calls fn with every project after each change of the collection.
func (s *Service) Subscribe(fn func([]model.Project)) (unsubscribe func()) {
	return s.store.Subscribe(func(rows []*mapper.ProjectRow) {
		fn(filter(rows, ""))
	})
}

// Update applies fn to the project and stores the result. Inventory links and
// local images are synced afterwards.
func (s *Service) Update(ctx context.Context, id string, fn func(*model.Project) error) (model.Project, error) {
	p, before, err := s.update(ctx, id, fn)
	if err != nil {
		return model.Project{}, err
	}
	s.afterWrite(ctx, &p, before.UsedInventoryIDs())
	return p, nil
}

// SetMaterials replaces the yarn and hook ids the project uses.
func (s *Service) SetMaterials(ctx context.Context, id string, yarnIDs, hookIDs []string) (model.Project, error) {
	return s.Update(ctx, id, func(p *model.Project) error {
		p.YarnUsedIDs = slices.Clone(yarnIDs)
		p.HookUsedIDs = slices.Clone(hookIDs)
		return nil
	})
}

// Delete removes the project and strips it from every inventory item.
func (s *Service) Delete(ctx context.Context, id string) error {
	p, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("deleted project", "id", id, "title", p.Title)

	if s.sync != nil {
		s.sync.RemoveProjectFromInventory(ctx, id)
	}
	return nil
}

// AddJournalEntry records notes on the project. A zero date means now.
func (s *Service) AddJournalEntry(ctx context.Context, id string, date time.Time, notes string) (model.WorkProgressEntry, error) {
	if date.IsZero() {
		date = s.Now()
	}
	entry := model.WorkProgressEntry{
		ID:    uuid.NewString(),
		Date:  date.UTC().Truncate(time.Millisecond),
		Notes: strings.TrimSpace(notes),
	}
	if entry.Notes == "" {
		return model.WorkProgressEntry{}, fmt.Errorf("%w: journal entry needs notes", model.ErrInvalid)
	}

	_, _, err := s.update(ctx, id, func(p *model.Project) error {
		p.WorkProgress = append(p.WorkProgress, entry)
		return nil
	})
	if err != nil {
		return model.WorkProgressEntry{}, err
	}
	return entry, nil
}

// RemoveJournalEntry deletes one journal entry.
func (s *Service) RemoveJournalEntry(ctx context.Context, id, entryID string) error {
	_, _, err := s.update(ctx, id, func(p *model.Project) error {
		n := len(p.WorkProgress)
		p.WorkProgress = slices.DeleteFunc(p.WorkProgress, func(e model.WorkProgressEntry) bool { return e.ID == entryID })
		if len(p.WorkProgress) == n {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return nil
	})
	return err
}

// StartWorking marks the project as being worked on and opens a time
// session. A project still in to-do moves to in-progress. Starting a project
// that is already being worked on does nothing.
func (s *Service) StartWorking(ctx context.Context, id string) (model.Project, error) {
	p, _, err := s.update(ctx, id, func(p *model.Project) error {
		if p.IsCurrentlyWorkingOn {
			return errUnchanged
		}
		now := s.now()
		p.IsCurrentlyWorkingOn = true
		p.WorkingStartedAt = &now
		p.WorkingEndedAt = nil
		p.TimeSessions = append(p.TimeSessions, model.TimeSession{ID: uuid.NewString(), StartedAt: now})
		if p.Status == model.StatusToDo || p.Status == model.StatusOnHold {
			p.Status = model.StatusInProgress
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		cur, _ := s.Get(id)
		return cur, nil
	}
	return p, err
}

// StopWorking closes the open time session of the project.
func (s *Service) StopWorking(ctx context.Context, id string) (model.Project, error) {
	p, _, err := s.update(ctx, id, func(p *model.Project) error {
		if !p.IsCurrentlyWorkingOn {
			return errUnchanged
		}
		now := s.now()
		p.IsCurrentlyWorkingOn = false
		p.WorkingEndedAt = &now
		closeSessions(p.TimeSessions, now)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		cur, _ := s.Get(id)
		return cur, nil
	}
	return p, err
}

// HandleImageUploaded replaces a local image of the project with its uploaded URL.
func (s *Service) HandleImageUploaded(ctx context.Context, projectID string, imageIndex int, newURL, oldURI string) {
	_, _, err := s.update(ctx, projectID, func(p *model.Project) error {
		if !imagequeue.SpliceImage(p.Images, imageIndex, oldURI, newURL) {
			return errUnchanged
		}
		return nil
	})
	s.logImageUpdate("uploaded image", projectID, err)
}

// HandleStaleImage drops a local image whose file no longer exists.
func (s *Service) HandleStaleImage(ctx context.Context, projectID, uri string) {
	_, _, err := s.update(ctx, projectID, func(p *model.Project) error {
		n := len(p.Images)
		p.Images = slices.DeleteFunc(p.Images, func(u string) bool { return u == uri })
		if len(p.Images) == n {
			return errUnchanged
		}
		return nil
	})
	s.logImageUpdate("removed stale image", projectID, err)
}

func (s *Service) logImageUpdate(msg, id string, err error) {
	switch {
	case err == nil:
		s.log.Info(msg, "id", id)
	case errors.Is(err, errUnchanged):
	case errors.Is(err, ErrNotFound):
		s.log.Debug(msg+": project is gone", "id", id)
	default:
		s.log.Error(msg, "id", id, "error", err)
	}
}

func (s *Service) update(ctx context.Context, id string, fn func(*model.Project) error) (model.Project, model.Project, error) {
	var before model.Project
	row, err := s.store.Update(ctx, id, func(r *mapper.ProjectRow) error {
		before = mapper.ProjectToDomain(r)
		p := mapper.ProjectToDomain(r)
		if err := fn(&p); err != nil {
			return err
		}
		s.normalize(&p, &before)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("updating project %s: %w", id, err)
		}
		*r = *mapper.ProjectToRow(&p, r.UserID)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Project{}, before, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Project{}, before, err
	}
	return mapper.ProjectToDomain(row), before, nil
}

// normalize applies the bookkeeping that follows from a status change and
// de-duplicates the material lists.
func (s *Service) normalize(p *model.Project, before *model.Project) {
	p.Title = strings.TrimSpace(p.Title)
	p.YarnUsedIDs = dedup(p.YarnUsedIDs)
	p.HookUsedIDs = dedup(p.HookUsedIDs)

	if before != nil && before.Status == p.Status {
		return
	}
	now := s.now()
	switch p.Status {
	case model.StatusInProgress:
		if p.StartDate == nil {
			p.StartDate = &now
		}
	case model.StatusCompleted:
		if p.CompletedDate == nil {
			p.CompletedDate = &now
		}
		if p.IsCurrentlyWorkingOn {
			p.IsCurrentlyWorkingOn = false
			p.WorkingEndedAt = &now
			closeSessions(p.TimeSessions, now)
		}
	}
}

func (s *Service) now() time.Time {
	return s.Now().UTC().Truncate(time.Millisecond)
}

// afterWrite propagates a write to the inventory and the upload queue.
func (s *Service) afterWrite(ctx context.Context, p *model.Project, oldItems []string) {
	if s.sync != nil {
		if items := p.UsedInventoryIDs(); !slices.Equal(items, oldItems) {
			s.sync.SyncProjectToInventory(ctx, p.ID, items, oldItems)
		}
	}
	if s.queue == nil {
		return
	}
	if candidates := imagequeue.LocalCandidates(p.ID, imagequeue.ItemProject, p.Images); len(candidates) > 0 {
		if _, err := s.queue.Enqueue(ctx, candidates); err != nil {
			s.log.Warn("queueing images", "id", p.ID, "error", err)
		}
	}
}

func closeSessions(sessions []model.TimeSession, now time.Time) {
	for i := range sessions {
		if sessions[i].EndedAt != nil {
			continue
		}
		end := now
		sessions[i].EndedAt = &end
		sessions[i].DurationSeconds = int64(max(end.Sub(sessions[i].StartedAt), 0) / time.Second)
	}
}

func dedup(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func filter(rows []*mapper.ProjectRow, status model.ProjectStatus) []model.Project {
	out := make([]model.Project, 0, len(rows))
	for _, r := range rows {
		if status != "" && model.ProjectStatus(r.Status) != status {
			continue
		}
		out = append(out, mapper.ProjectToDomain(r))
	}
	return out
}
