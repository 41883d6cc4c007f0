package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
)

type note struct {
	Meta
	Title string `json:"title"`
}

func (n *note) Clone() *note {
	c := *n
	c.Meta = n.CloneMeta()
	return &c
}

func (n *note) Validate() error {
	if err := n.Meta.Validate(); err != nil {
		return err
	}
	if n.Title == "" {
		return errors.New("missing title")
	}
	return nil
}

type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]json.RawMessage
	fail    bool
	upserts int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]json.RawMessage)}
}

func (f *fakeRemote) Pull(ctx context.Context, table, userID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("offline")
	}
	var out []json.RawMessage
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRemote) Upsert(ctx context.Context, table string, rows []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("offline")
	}
	f.upserts++
	for _, r := range rows {
		var m Meta
		if err := json.Unmarshal(r, &m); err != nil {
			return err
		}
		f.rows[m.ID] = r
	}
	return nil
}

func (f *fakeRemote) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeRemote) get(id string) (*note, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.rows[id]
	if !ok {
		return nil, false
	}
	var n note
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false
	}
	return &n, true
}

type fakeFeed struct {
	mu sync.Mutex
	fn func(Change)
}

func (f *fakeFeed) Subscribe(ctx context.Context, table, userID string, fn func(Change)) (func(), error) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) emit(c Change) bool {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(c)
	return true
}

func fixedClock(s string) func() time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func newNoteStore(t *testing.T, storage kv.Storage, tier Tier, remote Remote, feed ChangeFeed) *Store[*note] {
	t.Helper()

	cfg := Config{
		Collection:  "notes",
		UserID:      "u1",
		Tier:        tier,
		KV:          storage,
		Now:         fixedClock("2024-01-01T00:00:00Z"),
		PushBackoff: []time.Duration{time.Hour},
	}
	if remote != nil {
		cfg.Remote = remote
	}
	if feed != nil {
		cfg.Feed = feed
	}

	s, err := New[*note](cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalStoreCRUD(t *testing.T) {
	ctx := context.Background()
	storage := kv.NewSQLite(db.NewTestDB(t))
	s := newNoteStore(t, storage, TierLocal, nil, nil)

	added, err := s.Add(ctx, &note{Title: "first"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("expected generated id")
	}
	if added.UserID != "u1" || added.CreatedAt == "" || added.UpdatedAt != added.CreatedAt {
		t.Errorf("unexpected bookkeeping: %+v", added.Meta)
	}

	updated, err := s.Update(ctx, added.ID, func(n *note) error {
		n.Title = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "renamed" {
		t.Errorf("Title = %q, want renamed", updated.Title)
	}
	if updated.UpdatedAt <= added.UpdatedAt {
		t.Errorf("updated_at not bumped: %s <= %s", updated.UpdatedAt, added.UpdatedAt)
	}

	// A fresh store over the same storage sees the persisted row.
	reopened := newNoteStore(t, storage, TierLocal, nil, nil)
	got, ok := reopened.Get(added.ID)
	if !ok || got.Title != "renamed" {
		t.Fatalf("reopened Get = %+v, %v", got, ok)
	}
	reopened.Close()

	if err := s.Delete(ctx, added.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(added.ID); ok {
		t.Error("deleted row still visible")
	}
	if err := s.Delete(ctx, added.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}

	// Local deletes are hard deletes.
	raw, _, err := storage.GetItem(ctx, CollectionKey("u1", "notes"))
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if raw != "[]" {
		t.Errorf("persisted collection = %s, want []", raw)
	}
}

func TestAddRejectsInvalidAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierLocal, nil, nil)

	if _, err := s.Add(ctx, &note{}); err == nil {
		t.Error("expected validation error for missing title")
	}
	if _, err := s.Add(ctx, &note{Meta: Meta{ID: "n1"}, Title: "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, &note{Meta: Meta{ID: "n1"}, Title: "b"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add error = %v, want ErrExists", err)
	}
	if _, err := s.Update(ctx, "missing", func(*note) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing error = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierLocal, nil, nil)

	added, err := s.Add(ctx, &note{Title: "original"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	added.Title = "mutated outside"

	got, _ := s.Get(added.ID)
	if got.Title != "original" {
		t.Errorf("store row changed through returned copy: %q", got.Title)
	}
}

func TestSyncedStorePushesAndSoftDeletes(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierSynced, remote, nil)

	added, err := s.Add(ctx, &note{Title: "synced"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got, ok := remote.get(added.ID); !ok || got.Title != "synced" {
		t.Fatalf("remote row = %+v, %v", got, ok)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("Pending = %d after sync, want 0", n)
	}

	if err := s.Delete(ctx, added.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got, ok := remote.get(added.ID)
	if !ok {
		t.Fatal("soft-deleted row missing remotely")
	}
	if got.DeletedAt == nil {
		t.Error("remote row has no deleted_at after synced delete")
	}
	if len(s.List()) != 0 {
		t.Errorf("List = %v, want empty", s.List())
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	storage := kv.NewSQLite(db.NewTestDB(t))
	remote := newFakeRemote()
	remote.setFail(true)

	s := newNoteStore(t, storage, TierSynced, remote, nil)
	added, err := s.Add(ctx, &note{Title: "offline write"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Sync(ctx); err == nil {
		t.Fatal("expected push error while offline")
	}
	if n := s.Pending(); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}
	s.Close()

	remote.setFail(false)
	restarted := newNoteStore(t, storage, TierSynced, remote, nil)
	if err := restarted.Sync(ctx); err != nil {
		t.Fatalf("Sync after restart: %v", err)
	}
	if _, ok := remote.get(added.ID); !ok {
		t.Error("row written offline never reached the remote")
	}
	if n := restarted.Pending(); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestMergeLastWriteWins(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	feed := &fakeFeed{}
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierSynced, remote, feed)

	added, err := s.Add(ctx, &note{Title: "local"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	emit := func(title, updatedAt string) {
		t.Helper()
		doc := fmt.Sprintf(`{"id":%q,"user_id":"u1","created_at":%q,"updated_at":%q,"deleted_at":null,"title":%q}`,
			added.ID, added.CreatedAt, updatedAt, title)
		if !feed.emit(Change{Table: "notes", Type: ChangeUpdate, Record: json.RawMessage(doc)}) {
			t.Fatal("store is not subscribed to the feed")
		}
	}

	emit("stale", "2023-12-31T00:00:00.000Z")
	if got, _ := s.Get(added.ID); got.Title != "local" {
		t.Errorf("older remote row applied: %q", got.Title)
	}

	emit("remote", "2024-01-02T00:00:00.000Z")
	if got, _ := s.Get(added.ID); got.Title != "remote" {
		t.Errorf("newer remote row not applied: %q", got.Title)
	}

	// Invalid rows are dropped at the boundary.
	feed.emit(Change{Table: "notes", Type: ChangeInsert, Record: json.RawMessage(`{"id":"bad","updated_at":"2024-01-02T00:00:00.000Z"}`)})
	feed.emit(Change{Table: "notes", Type: ChangeInsert, Record: json.RawMessage(`"not an object"`)})
	if _, ok := s.Get("bad"); ok {
		t.Error("invalid remote row was stored")
	}

	// Rows of other users are ignored.
	feed.emit(Change{Table: "notes", Type: ChangeInsert, Record: json.RawMessage(
		`{"id":"other","user_id":"u2","updated_at":"2024-01-02T00:00:00.000Z","title":"x"}`)})
	if _, ok := s.Get("other"); ok {
		t.Error("row of another user was stored")
	}
}

func TestPullMergesRemoteRows(t *testing.T) {
	remote := newFakeRemote()
	remote.rows["r1"] = json.RawMessage(`{"id":"r1","user_id":"u1","created_at":"2024-01-01T00:00:00.000Z","updated_at":"2024-01-01T00:00:00.000Z","title":"from cloud"}`)
	remote.rows["r2"] = json.RawMessage(`{"id":"r2","user_id":"u1","updated_at":"2024-01-01T00:00:00.000Z","deleted_at":"2024-01-01T00:00:00.000Z","title":"gone"}`)

	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierSynced, remote, nil)

	got, ok := s.Get("r1")
	if !ok || got.Title != "from cloud" {
		t.Fatalf("Get(r1) = %+v, %v", got, ok)
	}
	if _, ok := s.Get("r2"); ok {
		t.Error("soft-deleted remote row is visible")
	}
	if n := len(s.List()); n != 1 {
		t.Errorf("List has %d rows, want 1", n)
	}
}

func TestSubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	feed := &fakeFeed{}
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierSynced, remote, feed)

	var mu sync.Mutex
	var calls int
	var last []*note
	s.Subscribe(func(rows []*note) {
		mu.Lock()
		calls++
		last = rows
		mu.Unlock()
	})

	if _, err := s.Add(ctx, &note{Title: "one"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	mu.Lock()
	if calls != 1 || len(last) != 1 {
		t.Errorf("after Add: calls=%d rows=%d, want 1 and 1", calls, len(last))
	}
	mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if feed.emit(Change{Type: ChangeInsert, Record: json.RawMessage(`{"id":"x","user_id":"u1","updated_at":"2024-02-01T00:00:00.000Z","title":"late"}`)}) {
		t.Error("closed store still subscribed to the feed")
	}
	if _, err := s.Add(ctx, &note{Title: "two"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close error = %v, want ErrClosed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("closed store delivered %d updates, want 1", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierLocal, nil, nil)

	calls := 0
	unsub := s.Subscribe(func([]*note) { calls++ })
	s.Add(ctx, &note{Title: "a"})
	unsub()
	s.Add(ctx, &note{Title: "b"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	s := newNoteStore(t, kv.NewSQLite(db.NewTestDB(t)), TierLocal, nil, nil)

	n, err := s.Add(ctx, &note{Title: "v0"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	prev := n.UpdatedAt
	for i := 1; i <= 3; i++ {
		n, err = s.Update(ctx, n.ID, func(n *note) error {
			n.Title = fmt.Sprintf("v%d", i)
			return nil
		})
		if err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		if n.UpdatedAt <= prev {
			t.Fatalf("update %d: updated_at %s not after %s", i, n.UpdatedAt, prev)
		}
		prev = n.UpdatedAt
	}
}

type closeCounter struct {
	sig    Signature
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestManagerCachesPerSignature(t *testing.T) {
	ctx := context.Background()
	builds := 0
	m := NewManager[*closeCounter](func(ctx context.Context, sig Signature) (*closeCounter, error) {
		builds++
		return &closeCounter{sig: sig}, nil
	}, nil)

	a, err := m.Get(ctx, Signature{UserID: "u1", Tier: TierLocal})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	again, _ := m.Get(ctx, Signature{UserID: "u1", Tier: TierLocal})
	if again != a || builds != 1 {
		t.Fatalf("same signature rebuilt stores (builds=%d)", builds)
	}

	b, _ := m.Get(ctx, Signature{UserID: "u1", Tier: TierSynced})
	if b == a || builds != 2 {
		t.Fatalf("tier change did not rebuild stores (builds=%d)", builds)
	}
	if a.closed != 1 {
		t.Errorf("previous stores closed %d times, want 1", a.closed)
	}

	m.Invalidate()
	if b.closed != 1 {
		t.Errorf("Invalidate closed stores %d times, want 1", b.closed)
	}
	if _, _, ok := m.Current(); ok {
		t.Error("Current reports stores after Invalidate")
	}
}

func TestManagerBuildError(t *testing.T) {
	m := NewManager[*closeCounter](func(ctx context.Context, sig Signature) (*closeCounter, error) {
		return nil, errors.New("boom")
	}, nil)
	if _, err := m.Get(context.Background(), Signature{UserID: "u1"}); err == nil {
		t.Error("expected build error")
	}
}
