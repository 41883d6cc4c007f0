// Package app wires the sync core together: it owns the image queue, the
// auth bridge and the per-user stores, and rebuilds the domain services
// whenever the signed-in user or their tier changes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth/localauth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/inventory"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/projects"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/refsync"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// GuestUserID owns the data of a signed-out user.
const GuestUserID = "guest"

// Deps are the collaborators of an App. Remote, Feed, Profiles and Uploader
// are optional; without Remote every user stays on local stores and without
// Uploader images keep their local URIs.
type Deps struct {
	KV       kv.Storage
	Provider auth.Provider
	Profiles auth.ProfileSource
	Remote   store.Remote
	Feed     store.ChangeFeed
	Uploader imagequeue.Uploader
	Files    imagequeue.FileSystem
	Bucket   string

	QueueMaxRetries int
	QueueRetention  time.Duration
	QueueBackoff    []time.Duration
	PushBackoff     []time.Duration

	Logger *slog.Logger
}

// Stores are the collections of one user and tier.
type Stores struct {
	Projects  *store.Store[*mapper.ProjectRow]
	Inventory *store.Store[*mapper.InventoryRow]
}

// Close closes both stores.
func (s *Stores) Close() error {
	return errors.Join(s.Projects.Close(), s.Inventory.Close())
}

// Workspace is what the signed-in (or guest) user works with.
type Workspace struct {
	UserID    string
	Tier      store.Tier
	Stores    *Stores
	Sync      *refsync.Syncer
	Projects  *projects.Service
	Inventory *inventory.Service
	// Uploads reports whether local images are queued for upload.
	Uploads bool
}

type App struct {
	deps   Deps
	log    *slog.Logger
	queue  *imagequeue.Queue
	bridge *auth.Bridge
	stores *store.Manager[*Stores]

	// accounts is set when sign-in is handled locally.
	accounts *localauth.Provider

	mu      sync.Mutex
	ws      *Workspace
	unsub   func()
	closers []func() error
}

// New returns an App with no active workspace.
func New(deps Deps) (*App, error) {
	if deps.KV == nil {
		return nil, fmt.Errorf("app: kv storage required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("app: auth provider required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &App{
		deps: deps,
		log:  log,
		queue: imagequeue.New(imagequeue.Config{
			KV:         deps.KV,
			Files:      deps.Files,
			Uploader:   deps.Uploader,
			Bucket:     deps.Bucket,
			Logger:     log,
			MaxRetries: deps.QueueMaxRetries,
			Backoff:    deps.QueueBackoff,
			Retention:  deps.QueueRetention,
		}),
		bridge: auth.NewBridge(deps.Provider, deps.Profiles, log),
	}
	a.stores = store.NewManager(a.build, log)

	// A session can end without an explicit logout, e.g. when a refresh is
	// rejected. The user's data must not stay open in that case.
	a.unsub = a.bridge.OnUserChange(func(state auth.State, _ *model.User) {
		if state != auth.StateUnauthenticated {
			return
		}
		if err := a.Deactivate(context.Background()); err != nil {
			a.log.Warn("deactivating after sign out", "error", err)
		}
	})
	return a, nil
}

// Bridge returns the auth bridge.
func (a *App) Bridge() *auth.Bridge { return a.bridge }

// Queue returns the image upload queue.
func (a *App) Queue() *imagequeue.Queue { return a.queue }

// Accounts returns the local account store, or nil when accounts live on
// the hosted backend.
func (a *App) Accounts() *localauth.Provider { return a.accounts }

// BackendConfigured reports whether paid users get synced stores.
func (a *App) BackendConfigured() bool { return a.deps.Remote != nil }

// Workspace returns the active workspace, or nil.
func (a *App) Workspace() *Workspace {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws
}

// Bootstrap restores the persisted session and activates the workspace of
// its user, or the guest workspace when there is none.
func (a *App) Bootstrap(ctx context.Context) (*Workspace, error) {
	if err := a.bridge.Bootstrap(ctx); err != nil {
		a.log.Warn("restoring session failed, continuing as guest", "error", err)
	}
	return a.Activate(ctx, a.bridge.User())
}

// Login signs in and activates the user's workspace.
func (a *App) Login(ctx context.Context, email, password string) (*Workspace, error) {
	user, err := a.bridge.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return a.Activate(ctx, user)
}

// Register creates an account and activates its workspace. It returns
// auth.ErrEmailNotConfirmed when the account must be confirmed first.
func (a *App) Register(ctx context.Context, email, password, name string) (*Workspace, error) {
	user, err := a.bridge.Register(ctx, email, password, name)
	if err != nil {
		return nil, err
	}
	return a.Activate(ctx, user)
}

// Logout signs out and tears down the user's workspace and queue.
func (a *App) Logout(ctx context.Context) error {
	err := a.bridge.Logout(ctx)
	return errors.Join(err, a.Deactivate(ctx))
}

// Activate makes user's workspace the active one. A nil user gets the guest
// workspace. Activating the same user and tier again returns the cached
// workspace; a different user first clears the previous user's queue.
func (a *App) Activate(ctx context.Context, user *model.User) (*Workspace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sig := store.Signature{UserID: GuestUserID, Tier: auth.Tier(user, a.BackendConfigured())}
	if user != nil {
		sig.UserID = user.ID
	}
	if a.ws != nil && a.ws.UserID == sig.UserID && a.ws.Tier == sig.Tier {
		return a.ws, nil
	}

	if prev := a.queue.UserID(); prev != "" && prev != sig.UserID {
		if err := a.queue.Cleanup(ctx); err != nil {
			a.log.Warn("clearing previous user's image queue", "user", prev, "error", err)
		}
	}

	stores, err := a.stores.Get(ctx, sig)
	if err != nil {
		a.ws = nil
		return nil, err
	}

	ws := &Workspace{
		UserID:  sig.UserID,
		Tier:    sig.Tier,
		Stores:  stores,
		Sync:    refsync.New(stores.Projects, stores.Inventory, a.log),
		Uploads: a.deps.Uploader != nil && user != nil,
	}
	var invQueue inventory.Enqueuer
	var projQueue projects.Enqueuer
	if ws.Uploads {
		invQueue, projQueue = a.queue, a.queue
	}
	ws.Inventory = inventory.NewService(stores.Inventory, ws.Sync, invQueue, ws.UserID, a.log)
	ws.Projects = projects.NewService(stores.Projects, ws.Sync, projQueue, ws.UserID, a.log)

	if ws.Uploads {
		if err := a.queue.Initialize(ctx, ws.UserID, a.callbacks(ws)); err != nil {
			a.log.Error("initializing image queue", "user", ws.UserID, "error", err)
		}
	}

	a.log.Info("workspace active", "user", ws.UserID, "tier", string(ws.Tier), "uploads", ws.Uploads)
	a.ws = ws
	return ws, nil
}

// Deactivate clears the image queue and closes the active stores.
func (a *App) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.queue.Cleanup(ctx)
	a.stores.Invalidate()
	if a.ws != nil {
		a.log.Info("workspace closed", "user", a.ws.UserID)
	}
	a.ws = nil
	return err
}

// ErrHostedAccounts is returned by account operations that only exist when
// sign-in is handled locally.
var ErrHostedAccounts = errors.New("accounts are managed by the hosted backend")

// DeleteAccount deletes a local account and purges the data it left on this
// device. Deleting the signed-in account closes its workspace first.
func (a *App) DeleteAccount(ctx context.Context, email string) error {
	if a.accounts == nil {
		return ErrHostedAccounts
	}
	userID, err := a.accounts.DeleteAccount(ctx, email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	active := a.ws != nil && a.ws.UserID == userID
	a.mu.Unlock()
	if active {
		if err := a.Deactivate(ctx); err != nil {
			a.log.Warn("deactivating deleted account", "user", userID, "error", err)
		}
	}
	return a.PurgeUser(ctx, userID)
}

// PurgeUser removes everything persisted locally for userID: both
// collections with their outboxes and the image queue. The user's workspace
// must not be active.
func (a *App) PurgeUser(ctx context.Context, userID string) error {
	keys := []string{imagequeue.QueueKey(userID)}
	for _, c := range []string{mapper.ProjectTable, mapper.InventoryTable} {
		keys = append(keys, store.CollectionKey(userID, c), store.OutboxKey(userID, c))
	}
	if err := a.deps.KV.MultiRemove(ctx, keys); err != nil {
		return fmt.Errorf("purging local data of %s: %w", userID, err)
	}
	a.log.Info("purged local data", "user", userID)
	return nil
}

// Close closes the stores and releases the resources the App was opened
// with. The image queue is left persisted for the next start.
func (a *App) Close() error {
	a.unsub()
	a.bridge.Close()

	a.mu.Lock()
	a.stores.Invalidate()
	a.ws = nil
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}

// callbacks routes queue progress to the services owning the images.
func (a *App) callbacks(ws *Workspace) *imagequeue.Callbacks {
	return &imagequeue.Callbacks{
		OnImageUploaded: func(itemID string, itemType imagequeue.ItemType, imageIndex int, newURL, oldURI string) {
			ctx := context.Background()
			switch itemType {
			case imagequeue.ItemProject:
				ws.Projects.HandleImageUploaded(ctx, itemID, imageIndex, newURL, oldURI)
			case imagequeue.ItemInventory:
				ws.Inventory.HandleImageUploaded(ctx, itemID, imageIndex, newURL, oldURI)
			}
		},
		OnImageFailed: func(itemID string, itemType imagequeue.ItemType, imageIndex int, localURI string, err error) {
			a.log.Warn("image upload gave up", "item", itemID, "type", string(itemType), "index", imageIndex, "uri", localURI, "error", err)
		},
		OnStaleImage: func(itemID string, itemType imagequeue.ItemType, localURI string) {
			ctx := context.Background()
			switch itemType {
			case imagequeue.ItemProject:
				ws.Projects.HandleStaleImage(ctx, itemID, localURI)
			case imagequeue.ItemInventory:
				ws.Inventory.HandleStaleImage(ctx, itemID, localURI)
			}
		},
	}
}

// build creates and starts the stores of sig.
func (a *App) build(ctx context.Context, sig store.Signature) (*Stores, error) {
	base := store.Config{
		UserID:      sig.UserID,
		Tier:        sig.Tier,
		KV:          a.deps.KV,
		Logger:      a.log,
		PushBackoff: a.deps.PushBackoff,
	}
	if sig.Tier == store.TierSynced {
		base.Remote = a.deps.Remote
		base.Feed = a.deps.Feed
	}

	cfg := base
	cfg.Collection = mapper.ProjectTable
	projectStore, err := store.New[*mapper.ProjectRow](cfg)
	if err != nil {
		return nil, err
	}
	cfg = base
	cfg.Collection = mapper.InventoryTable
	inventoryStore, err := store.New[*mapper.InventoryRow](cfg)
	if err != nil {
		return nil, err
	}

	stores := &Stores{Projects: projectStore, Inventory: inventoryStore}
	if err := projectStore.Start(ctx); err != nil {
		stores.Close()
		return nil, fmt.Errorf("starting projects: %w", err)
	}
	if err := inventoryStore.Start(ctx); err != nil {
		stores.Close()
		return nil, fmt.Errorf("starting inventory: %w", err)
	}
	return stores, nil
}
