package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth/localauth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memFiles) Exists(uri string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[uri]
	return ok
}

func (m *memFiles) ReadFile(uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[uri]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return data, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, bucket, key string, _ []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + bucket + "/" + key, nil
}

// memRemote is a hosted backend that accepts every push and has no rows.
type memRemote struct {
	mu   sync.Mutex
	rows map[string][]json.RawMessage
}

func (r *memRemote) Pull(context.Context, string, string) ([]json.RawMessage, error) {
	return nil, nil
}

func (r *memRemote) Upsert(_ context.Context, table string, rows []json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string][]json.RawMessage)
	}
	r.rows[table] = append(r.rows[table], rows...)
	return nil
}

type fixture struct {
	app      *App
	provider *localauth.Provider
	storage  *kv.SQLite
	files    *memFiles
	uploader *fakeUploader
}

type option func(*Deps)

func withRemote(r *memRemote) option { return func(d *Deps) { d.Remote = r } }

func withUploads(f *fixture) option {
	return func(d *Deps) {
		d.Uploader = f.uploader
		d.Files = f.files
		d.Bucket = "project-images"
		d.QueueBackoff = []time.Duration{0}
	}
}

func newFixture(t *testing.T, opts ...func(*fixture) option) *fixture {
	t.Helper()
	database := db.NewTestDB(t)
	storage := kv.NewSQLite(database)
	provider, err := localauth.New(database, storage, "test-secret", nil)
	if err != nil {
		t.Fatalf("localauth.New: %v", err)
	}

	f := &fixture{
		provider: provider,
		storage:  storage,
		files:    &memFiles{files: map[string][]byte{}},
		uploader: &fakeUploader{},
	}
	deps := Deps{KV: storage, Provider: provider, Profiles: provider, Files: f.files}
	for _, o := range opts {
		o(f)(&deps)
	}

	a, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.Queue().Wait()
		a.Close()
	})
	f.app = a
	return f
}

func (f *fixture) signUp(t *testing.T, email, role string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.provider.SignUp(ctx, email, "long-enough", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := f.provider.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if role != "" {
		if err := f.provider.SetRole(ctx, email, role); err != nil {
			t.Fatalf("SetRole: %v", err)
		}
	}
}

func TestGuestWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ws, err := f.app.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if ws.UserID != GuestUserID || ws.Tier != store.TierLocal || ws.Uploads {
		t.Errorf("workspace = %+v, want local guest without uploads", ws)
	}

	again, err := f.app.Activate(ctx, nil)
	if err != nil || again != ws {
		t.Errorf("Activate(nil) = %p, %v; want cached %p", again, err, ws)
	}

	if _, err := ws.Inventory.Add(ctx, model.InventoryItem{Name: "Cotton", Category: model.CategoryYarn, Quantity: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	raw, ok, _ := f.storage.GetItem(ctx, store.CollectionKey(GuestUserID, mapper.InventoryTable))
	if !ok || !strings.Contains(raw, "Cotton") {
		t.Errorf("guest inventory not persisted: %q", raw)
	}
}

func TestLoginSwitchesWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signUp(t, "knitter@example.com", "")

	guest, err := f.app.Activate(ctx, nil)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	guest.Inventory.Add(ctx, model.InventoryItem{Name: "Cotton", Category: model.CategoryYarn, Quantity: 1})

	ws, err := f.app.Login(ctx, "knitter@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ws.UserID == GuestUserID || ws.Tier != store.TierLocal {
		t.Errorf("workspace = %+v, want local user workspace", ws)
	}
	if got := ws.Inventory.List(""); len(got) != 0 {
		t.Errorf("user sees %d guest items", len(got))
	}

	_, err = guest.Stores.Inventory.Add(ctx, mapper.InventoryToRow(&model.InventoryItem{Name: "Late", Category: model.CategoryYarn}, GuestUserID))
	if !errors.Is(err, store.ErrClosed) {
		t.Errorf("write to previous store error = %v, want ErrClosed", err)
	}
	if f.app.Workspace() != ws {
		t.Error("Workspace() is not the active workspace")
	}
}

func TestTierFollowsRole(t *testing.T) {
	r := &memRemote{}
	f := newFixture(t, func(*fixture) option { return withRemote(r) })
	ctx := context.Background()
	f.signUp(t, "pro@example.com", model.RolePro)
	f.signUp(t, "free@example.com", "")

	ws, err := f.app.Login(ctx, "pro@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ws.Tier != store.TierSynced {
		t.Fatalf("pro tier = %s, want synced", ws.Tier)
	}
	if _, err := ws.Projects.Add(ctx, model.Project{Title: "Granny square blanket"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ws.Stores.Projects.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	r.mu.Lock()
	pushed := len(r.rows[mapper.ProjectTable])
	r.mu.Unlock()
	if pushed == 0 {
		t.Error("project was not pushed to the remote")
	}

	if err := f.app.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if f.app.Workspace() != nil {
		t.Error("workspace still active after logout")
	}

	ws, err = f.app.Login(ctx, "free@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ws.Tier != store.TierLocal {
		t.Errorf("ordinary tier = %s, want local", ws.Tier)
	}

	upgraded := *f.app.Bridge().User()
	upgraded.Role = model.RolePro
	next, err := f.app.Activate(ctx, &upgraded)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if next == ws || next.Tier != store.TierSynced || next.UserID != ws.UserID {
		t.Errorf("upgrade workspace = %+v, want new synced workspace for the same user", next)
	}
}

func TestUploadedImageReplacesLocalURI(t *testing.T) {
	f := newFixture(t, withUploads)
	ctx := context.Background()
	f.signUp(t, "knitter@example.com", "")

	ws, err := f.app.Login(ctx, "knitter@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !ws.Uploads {
		t.Fatal("uploads disabled for a signed-in user with storage")
	}

	uri := "file:///photos/skein.bin"
	f.files.files[uri] = []byte("raw image bytes")
	item, err := ws.Inventory.Add(ctx, model.InventoryItem{
		Name:     "Alpaca",
		Category: model.CategoryYarn,
		Quantity: 2,
		Images:   []string{"https://cdn.example.com/old.jpg", uri},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.app.Queue().Wait()

	got, ok := ws.Inventory.Get(item.ID)
	if !ok {
		t.Fatal("item disappeared")
	}
	if got.Images[0] != "https://cdn.example.com/old.jpg" {
		t.Errorf("remote image changed: %q", got.Images[0])
	}
	prefix := "https://cdn.example.com/project-images/" + ws.UserID + "/inventory/" + item.ID + "/"
	if !strings.HasPrefix(got.Images[1], prefix) {
		t.Errorf("image = %q, want prefix %q", got.Images[1], prefix)
	}
	if c := f.app.Queue().Status(); c.Completed != 1 || c.Total != 1 {
		t.Errorf("queue counts = %+v", c)
	}
}

func TestMissingImageDroppedOnSave(t *testing.T) {
	f := newFixture(t, withUploads)
	ctx := context.Background()
	f.signUp(t, "knitter@example.com", "")

	ws, err := f.app.Login(ctx, "knitter@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The photo vanishes before the item is saved, so it is reported stale
	// on enqueue and removed from the project.
	project, err := ws.Projects.Add(ctx, model.Project{Title: "Hat", Images: []string{"file:///photos/gone.jpg"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, _ := ws.Projects.Get(project.ID)
	if len(got.Images) != 0 {
		t.Errorf("images = %v, want stale image removed", got.Images)
	}
}

func TestUserSwitchClearsQueue(t *testing.T) {
	f := newFixture(t, withUploads)
	ctx := context.Background()
	f.signUp(t, "a@example.com", "")
	f.signUp(t, "b@example.com", "")

	first, err := f.app.Login(ctx, "a@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := f.app.Queue().UserID(); got != first.UserID {
		t.Fatalf("queue user = %q, want %q", got, first.UserID)
	}
	f.storage.SetItem(ctx, imagequeue.QueueKey(first.UserID), `[]`)

	second, err := f.app.Login(ctx, "b@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := f.app.Queue().UserID(); got != second.UserID {
		t.Errorf("queue user = %q, want %q", got, second.UserID)
	}
	if _, ok, _ := f.storage.GetItem(ctx, imagequeue.QueueKey(first.UserID)); ok {
		t.Error("previous user's queue still persisted")
	}

	if err := f.app.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := f.app.Queue().UserID(); got != "" {
		t.Errorf("queue user after logout = %q", got)
	}
}

func TestDeleteAccountPurgesLocalData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.accounts = f.provider
	f.signUp(t, "a@example.com", "")
	f.signUp(t, "b@example.com", "")

	if _, err := f.app.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	other, err := f.app.Login(ctx, "b@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	other.Inventory.Add(ctx, model.InventoryItem{Name: "Cotton", Category: model.CategoryYarn, Quantity: 1})

	ws, err := f.app.Login(ctx, "a@example.com", "long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := ws.Inventory.Add(ctx, model.InventoryItem{Name: "Merino", Category: model.CategoryYarn, Quantity: 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := ws.Projects.Add(ctx, model.Project{Title: "Blanket", Status: model.StatusInProgress}); err != nil {
		t.Fatalf("Add project: %v", err)
	}
	f.storage.SetItem(ctx, store.OutboxKey(ws.UserID, mapper.ProjectTable), `["p1"]`)
	f.storage.SetItem(ctx, imagequeue.QueueKey(ws.UserID), `[]`)

	if err := f.app.DeleteAccount(ctx, "a@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if f.app.Workspace() != nil {
		t.Error("deleted account's workspace still active")
	}

	for _, key := range []string{
		store.CollectionKey(ws.UserID, mapper.InventoryTable),
		store.CollectionKey(ws.UserID, mapper.ProjectTable),
		store.OutboxKey(ws.UserID, mapper.ProjectTable),
		imagequeue.QueueKey(ws.UserID),
	} {
		if _, ok, _ := f.storage.GetItem(ctx, key); ok {
			t.Errorf("%s still persisted", key)
		}
	}
	raw, ok, _ := f.storage.GetItem(ctx, store.CollectionKey(other.UserID, mapper.InventoryTable))
	if !ok || !strings.Contains(raw, "Cotton") {
		t.Errorf("other user's inventory was purged: %q", raw)
	}

	if err := f.app.DeleteAccount(ctx, "a@example.com"); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestDeleteAccountNeedsLocalAuth(t *testing.T) {
	f := newFixture(t)
	if err := f.app.DeleteAccount(context.Background(), "a@example.com"); !errors.Is(err, ErrHostedAccounts) {
		t.Errorf("error = %v, want ErrHostedAccounts", err)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("expected error without kv storage")
	}
	storage := kv.NewSQLite(db.NewTestDB(t))
	if _, err := New(Deps{KV: storage}); err == nil {
		t.Error("expected error without auth provider")
	}
}
