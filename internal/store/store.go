// Package store implements the observable per-collection row store. Every
// store persists its rows to the local key-value store on each write; stores in
// the synced tier additionally keep an outbox of rows to push to the hosted
// backend and merge remote changes last-write-wins on updated_at.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrClosed   = errors.New("store closed")
)

// pushBatch bounds the number of rows sent in one upsert.
const pushBatch = 100

// DefaultPushBackoff is the delay schedule between failed pushes. The last
// value repeats.
var DefaultPushBackoff = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second,
}

// Config configures a Store.
type Config struct {
	Collection string
	UserID     string
	Tier       Tier
	KV         kv.Storage
	// Remote and Feed are used in TierSynced only. Feed may be nil.
	Remote Remote
	Feed   ChangeFeed

	Logger      *slog.Logger
	Now         func() time.Time
	PushBackoff []time.Duration
}

// CollectionKey is the KV key holding a user's collection.
func CollectionKey(userID, collection string) string {
	return "crochet:" + userID + ":" + collection
}

// OutboxKey is the KV key holding the ids of a collection's unpushed rows.
func OutboxKey(userID, collection string) string {
	return CollectionKey(userID, collection) + ":outbox"
}

// Store is the single source of truth for one collection of one user.
type Store[R Record[R]] struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	rows    map[string]R
	outbox  map[string]uint64
	seq     uint64
	subs    map[int]func([]R)
	nextSub int
	started bool
	closed  bool

	// notifyMu serializes deliveries so Close can wait for one in progress.
	notifyMu sync.Mutex
	// pushMu keeps an older snapshot from landing after a newer one.
	pushMu sync.Mutex

	kick        chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a store. Start must be called before it is used.
func New[R Record[R]](cfg Config) (*Store[R], error) {
	switch {
	case cfg.Collection == "":
		return nil, fmt.Errorf("store: collection required")
	case cfg.UserID == "":
		return nil, fmt.Errorf("store %s: user id required", cfg.Collection)
	case cfg.KV == nil:
		return nil, fmt.Errorf("store %s: kv storage required", cfg.Collection)
	case cfg.Tier == TierSynced && cfg.Remote == nil:
		return nil, fmt.Errorf("store %s: synced tier requires a remote", cfg.Collection)
	}
	if cfg.Tier == "" {
		cfg.Tier = TierLocal
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.PushBackoff) == 0 {
		cfg.PushBackoff = DefaultPushBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Store[R]{
		cfg:    cfg,
		log:    log.With("collection", cfg.Collection, "tier", string(cfg.Tier)),
		rows:   make(map[string]R),
		outbox: make(map[string]uint64),
		subs:   make(map[int]func([]R)),
		kick:   make(chan struct{}, 1),
	}, nil
}

// Collection returns the collection name.
func (s *Store[R]) Collection() string { return s.cfg.Collection }

// Tier returns the tier the store was created for.
func (s *Store[R]) Tier() Tier { return s.cfg.Tier }

// Start loads the persisted collection. In the synced tier it also pulls the
// remote rows, subscribes to the change feed and starts the background pusher.
// Remote failures are logged; the store keeps working from local data.
func (s *Store[R]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}

	if s.cfg.Tier == TierSynced {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		if err := s.Pull(ctx); err != nil {
			s.log.Warn("initial pull failed, continuing with local data", "error", err)
		}

		if s.cfg.Feed != nil {
			unsub, err := s.cfg.Feed.Subscribe(runCtx, s.cfg.Collection, s.cfg.UserID, s.onChange)
			if err != nil {
				s.log.Warn("subscribing to change feed", "error", err)
			} else {
				s.mu.Lock()
				s.unsubscribe = unsub
				s.mu.Unlock()
			}
		}

		s.wg.Add(1)
		go s.runPusher(runCtx)

		if s.Pending() > 0 {
			s.signal()
		}
	}

	s.notify()
	return nil
}

func (s *Store[R]) load(ctx context.Context) error {
	raw, ok, err := s.cfg.KV.GetItem(ctx, CollectionKey(s.cfg.UserID, s.cfg.Collection))
	if err != nil {
		return fmt.Errorf("loading %s: %w", s.cfg.Collection, err)
	}

	var docs []json.RawMessage
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			s.log.Error("persisted collection is corrupt, starting empty", "error", err)
			docs = nil
		}
	}

	var ids []string
	if s.cfg.Tier == TierSynced {
		rawOutbox, ok, err := s.cfg.KV.GetItem(ctx, OutboxKey(s.cfg.UserID, s.cfg.Collection))
		if err != nil {
			return fmt.Errorf("loading %s outbox: %w", s.cfg.Collection, err)
		}
		if ok && rawOutbox != "" {
			if err := json.Unmarshal([]byte(rawOutbox), &ids); err != nil {
				s.log.Error("persisted outbox is corrupt, dropping it", "error", err)
				ids = nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		row, err := decodeRow[R](doc)
		if err == nil {
			err = row.Validate()
		}
		if err != nil {
			s.log.Warn("dropping invalid persisted row", "error", err)
			continue
		}
		s.rows[row.RowMeta().ID] = row
	}
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			s.seq++
			s.outbox[id] = s.seq
		}
	}
	metrics.StoreOutboxDepth.WithLabelValues(s.cfg.Collection).Set(float64(len(s.outbox)))

	s.log.Debug("loaded collection", "rows", len(s.rows), "pending", len(s.outbox))
	return nil
}

// Get returns a copy of the active row with the given id.
func (s *Store[R]) Get(id string) (R, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok || row.RowMeta().Deleted() {
		var zero R
		return zero, false
	}
	return row.Clone(), true
}

// List returns copies of all active rows, newest first.
func (s *Store[R]) List() []R {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store[R]) listLocked() []R {
	out := make([]R, 0, len(s.rows))
	for _, row := range s.rows {
		if row.RowMeta().Deleted() {
			continue
		}
		out = append(out, row.Clone())
	}
	slices.SortFunc(out, func(a, b R) int {
		ma, mb := a.RowMeta(), b.RowMeta()
		if c := strings.Compare(mb.CreatedAt, ma.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(ma.ID, mb.ID)
	})
	return out
}

// Add inserts row, assigning an id when it has none and setting the
// bookkeeping columns. The stored copy is returned.
func (s *Store[R]) Add(ctx context.Context, row R) (R, error) {
	var zero R

	row = row.Clone()
	m := row.RowMeta()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := FormatTime(s.cfg.Now())
	m.UserID = s.cfg.UserID
	m.CreatedAt = now
	m.UpdatedAt = now
	m.DeletedAt = nil

	if err := row.Validate(); err != nil {
		return zero, fmt.Errorf("adding to %s: %w", s.cfg.Collection, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, ErrClosed
	}
	if cur, ok := s.rows[m.ID]; ok && !cur.RowMeta().Deleted() {
		s.mu.Unlock()
		return zero, fmt.Errorf("%s %s: %w", s.cfg.Collection, m.ID, ErrExists)
	}
	if err := s.commitLocked(ctx, row); err != nil {
		s.mu.Unlock()
		return zero, err
	}
	s.mu.Unlock()

	s.changed()
	return row.Clone(), nil
}

// Update applies fn to a copy of the active row with the given id and stores
// the result with a bumped updated_at. fn must not call back into the store.
func (s *Store[R]) Update(ctx context.Context, id string, fn func(R) error) (R, error) {
	var zero R

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, ErrClosed
	}
	cur, ok := s.rows[id]
	if !ok || cur.RowMeta().Deleted() {
		s.mu.Unlock()
		return zero, fmt.Errorf("%s %s: %w", s.cfg.Collection, id, ErrNotFound)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return zero, err
	}

	old, m := cur.RowMeta(), next.RowMeta()
	m.ID = old.ID
	m.UserID = old.UserID
	m.CreatedAt = old.CreatedAt
	m.DeletedAt = nil
	m.UpdatedAt = s.bump(old.UpdatedAt)

	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return zero, fmt.Errorf("updating %s %s: %w", s.cfg.Collection, id, err)
	}
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return zero, err
	}
	s.mu.Unlock()

	s.changed()
	return next.Clone(), nil
}

// Delete removes the row with the given id. Synced stores keep a soft-deleted
// row so the deletion reaches other devices; local stores drop it.
func (s *Store[R]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cur, ok := s.rows[id]
	if !ok || cur.RowMeta().Deleted() {
		s.mu.Unlock()
		return fmt.Errorf("%s %s: %w", s.cfg.Collection, id, ErrNotFound)
	}

	if s.cfg.Tier != TierSynced {
		delete(s.rows, id)
		if err := s.persistLocked(ctx); err != nil {
			s.rows[id] = cur
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		s.notify()
		return nil
	}

	next := cur.Clone()
	m := next.RowMeta()
	m.UpdatedAt = s.bump(cur.RowMeta().UpdatedAt)
	deleted := m.UpdatedAt
	m.DeletedAt = &deleted
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

// Subscribe registers fn to receive the active rows after every change. fn
// must not modify the slice, call back into the store synchronously or close it.
func (s *Store[R]) Subscribe(fn func([]R)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Pending returns the number of rows waiting to be pushed.
func (s *Store[R]) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outbox)
}

// Pull fetches the remote rows and merges them into the store.
func (s *Store[R]) Pull(ctx context.Context) error {
	if s.cfg.Tier != TierSynced {
		return nil
	}
	docs, err := s.cfg.Remote.Pull(ctx, s.cfg.Collection, s.cfg.UserID)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", s.cfg.Collection, err)
	}
	applied := s.merge(ctx, docs)
	s.log.Info("pulled remote rows", "rows", len(docs), "applied", applied)
	return nil
}

// Sync pushes every pending row now.
func (s *Store[R]) Sync(ctx context.Context) error {
	if s.cfg.Tier != TierSynced {
		return nil
	}
	return s.flush(ctx)
}

// Close stops background work and silences subscribers. A closed store
// delivers no further updates.
func (s *Store[R]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[int]func([]R))
	cancel, unsub := s.cancel, s.unsubscribe
	s.mu.Unlock()

	// Wait for a delivery that started before closed was set.
	s.notifyMu.Lock()
	s.notifyMu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// commitLocked stores row, persists the collection and records the row in the
// outbox. On a persistence failure the previous state is restored.
func (s *Store[R]) commitLocked(ctx context.Context, row R) error {
	id := row.RowMeta().ID
	prev, had := s.rows[id]
	s.rows[id] = row

	if err := s.persistLocked(ctx); err != nil {
		if had {
			s.rows[id] = prev
		} else {
			delete(s.rows, id)
		}
		return err
	}

	if s.cfg.Tier == TierSynced {
		s.seq++
		s.outbox[id] = s.seq
		if err := s.persistOutboxLocked(ctx); err != nil {
			s.log.Error("persisting outbox", "error", err)
		}
	}
	return nil
}

func (s *Store[R]) persistLocked(ctx context.Context) error {
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]R, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, s.rows[id])
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.cfg.Collection, err)
	}
	if err := s.cfg.KV.SetItem(ctx, CollectionKey(s.cfg.UserID, s.cfg.Collection), string(data)); err != nil {
		return fmt.Errorf("persisting %s: %w", s.cfg.Collection, err)
	}
	return nil
}

func (s *Store[R]) persistOutboxLocked(ctx context.Context) error {
	metrics.StoreOutboxDepth.WithLabelValues(s.cfg.Collection).Set(float64(len(s.outbox)))

	key := OutboxKey(s.cfg.UserID, s.cfg.Collection)
	if len(s.outbox) == 0 {
		return s.cfg.KV.RemoveItem(ctx, key)
	}
	ids := make([]string, 0, len(s.outbox))
	for id := range s.outbox {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding outbox: %w", err)
	}
	return s.cfg.KV.SetItem(ctx, key, string(data))
}

// bump returns the current time, or one millisecond after prev when the clock
// has not moved past it, so every write is strictly newer than the last.
func (s *Store[R]) bump(prev string) string {
	now := s.cfg.Now().UTC().Truncate(time.Millisecond)
	if p, err := ParseTime(prev); err == nil && !now.After(p) {
		now = p.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return FormatTime(now)
}

func (s *Store[R]) changed() {
	if s.cfg.Tier == TierSynced {
		s.signal()
	}
	s.notify()
}

func (s *Store[R]) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store[R]) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	if s.closed || len(s.subs) == 0 {
		s.mu.RUnlock()
		return
	}
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	subs := make([]func([]R), 0, len(keys))
	for _, k := range keys {
		subs = append(subs, s.subs[k])
	}
	snapshot := s.listLocked()
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// merge applies remote rows last-write-wins and returns how many were applied.
func (s *Store[R]) merge(ctx context.Context, docs []json.RawMessage) int {
	applied := 0

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	outboxChanged := false
	for _, doc := range docs {
		row, err := decodeRow[R](doc)
		if err == nil {
			err = row.Validate()
		}
		if err != nil {
			metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "invalid").Inc()
			s.log.Warn("dropping invalid remote row", "error", err)
			continue
		}

		m := row.RowMeta()
		if m.UserID != "" && m.UserID != s.cfg.UserID {
			metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "ignored").Inc()
			continue
		}
		if cur, ok := s.rows[m.ID]; ok && !newer(m, cur.RowMeta()) {
			metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "ignored").Inc()
			continue
		}

		s.rows[m.ID] = row
		if _, pending := s.outbox[m.ID]; pending {
			delete(s.outbox, m.ID)
			outboxChanged = true
		}
		applied++
		metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "applied").Inc()
	}

	if applied > 0 {
		if err := s.persistLocked(ctx); err != nil {
			s.log.Error("persisting merged rows", "error", err)
		}
	}
	if outboxChanged {
		if err := s.persistOutboxLocked(ctx); err != nil {
			s.log.Error("persisting outbox", "error", err)
		}
	}
	s.mu.Unlock()

	if applied > 0 {
		s.notify()
	}
	return applied
}

// removeRemote drops a row that was physically deleted on the backend, unless
// a local change to it is still waiting to be pushed.
func (s *Store[R]) removeRemote(ctx context.Context, id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.rows[id]; !ok {
		s.mu.Unlock()
		return
	}
	if _, pending := s.outbox[id]; pending {
		s.mu.Unlock()
		metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "ignored").Inc()
		return
	}
	delete(s.rows, id)
	if err := s.persistLocked(ctx); err != nil {
		s.log.Error("persisting after remote delete", "id", id, "error", err)
	}
	s.mu.Unlock()

	metrics.StoreMergesTotal.WithLabelValues(s.cfg.Collection, "deleted").Inc()
	s.notify()
}

func (s *Store[R]) onChange(c Change) {
	ctx := context.Background()

	switch c.Type {
	case ChangeInsert, ChangeUpdate:
		s.merge(ctx, []json.RawMessage{c.Record})
	case ChangeDelete:
		id := c.OldID
		if id == "" {
			if row, err := decodeRow[R](c.Record); err == nil {
				id = row.RowMeta().ID
			}
		}
		if id != "" {
			s.removeRemote(ctx, id)
		}
	default:
		s.log.Debug("ignoring change", "type", string(c.Type))
	}
}

func (s *Store[R]) runPusher(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		for {
			err := s.flush(ctx)
			if err == nil {
				attempt = 0
				break
			}
			if ctx.Err() != nil {
				return
			}

			delay := s.cfg.PushBackoff[min(attempt, len(s.cfg.PushBackoff)-1)]
			attempt++
			s.log.Warn("push failed, retrying", "attempt", attempt, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// flush pushes pending rows in batches until the outbox is empty.
func (s *Store[R]) flush(ctx context.Context) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	for {
		s.mu.RLock()
		ids := make([]string, 0, len(s.outbox))
		for id := range s.outbox {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) > pushBatch {
			ids = ids[:pushBatch]
		}

		seqs := make(map[string]uint64, len(ids))
		docs := make([]json.RawMessage, 0, len(ids))
		var encErr error
		for _, id := range ids {
			row, ok := s.rows[id]
			if !ok {
				continue
			}
			data, err := json.Marshal(row)
			if err != nil {
				encErr = fmt.Errorf("encoding %s %s: %w", s.cfg.Collection, id, err)
				break
			}
			seqs[id] = s.outbox[id]
			docs = append(docs, data)
		}
		s.mu.RUnlock()

		if encErr != nil {
			return encErr
		}
		if len(ids) == 0 {
			return nil
		}

		if len(docs) > 0 {
			if err := s.cfg.Remote.Upsert(ctx, s.cfg.Collection, docs); err != nil {
				metrics.StorePushesTotal.WithLabelValues(s.cfg.Collection, "error").Inc()
				return fmt.Errorf("pushing %s: %w", s.cfg.Collection, err)
			}
			metrics.StorePushesTotal.WithLabelValues(s.cfg.Collection, "success").Inc()
		}

		s.mu.Lock()
		for _, id := range ids {
			seq, pushed := seqs[id]
			// Rows changed during the push stay queued; missing rows are dropped.
			if !pushed || s.outbox[id] == seq {
				delete(s.outbox, id)
			}
		}
		err := s.persistOutboxLocked(ctx)
		remaining := len(s.outbox)
		s.mu.Unlock()

		if err != nil {
			s.log.Error("persisting outbox", "error", err)
		}
		s.log.Debug("pushed rows", "rows", len(docs), "remaining", remaining)

		if remaining == 0 {
			return nil
		}
		// A short batch means only rows modified mid-push remain.
		if len(ids) < pushBatch {
			s.signal()
			return nil
		}
	}
}

func decodeRow[R Record[R]](doc json.RawMessage) (R, error) {
	var row R
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || doc[0] != '{' {
		return row, fmt.Errorf("row is not a JSON object")
	}
	if err := json.Unmarshal(doc, &row); err != nil {
		return row, fmt.Errorf("decoding row: %w", err)
	}
	return row, nil
}
