// Package imagequeue moves locally captured photos to cloud storage. The
// queue is persisted to the key-value store so uploads survive restarts,
// deduplicated by (local URI, item), drained one upload at a time in FIFO
// order and retried with backoff before an entry is given up on.
package imagequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/imaging"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
)

// Defaults.
const (
	MaxRetries = 3
	Retention  = 24 * time.Hour
)

// DefaultBackoff is the delay before retry n, indexed by retry count.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// ErrNotInitialized is returned by operations that need a user.
var ErrNotInitialized = errors.New("image queue not initialized")

// Status is the state of a queue entry.
type Status string

// Entry states.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ItemType is the kind of record owning an image.
type ItemType string

// Owning record kinds.
const (
	ItemProject   ItemType = "project"
	ItemInventory ItemType = "inventory"
)

// QueuedImage is one persisted queue entry.
type QueuedImage struct {
	ID          string     `json:"id"`
	LocalURI    string     `json:"localUri"`
	Bucket      string     `json:"bucket"`
	ItemID      string     `json:"itemId"`
	ItemType    ItemType   `json:"itemType"`
	ImageIndex  int        `json:"imageIndex"`
	RetryCount  int        `json:"retryCount"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	ResultURL   string     `json:"resultUrl,omitempty"`
}

// Candidate is an image offered to Enqueue.
type Candidate struct {
	LocalURI   string
	ItemID     string
	ItemType   ItemType
	ImageIndex int
}

// Callbacks let owning records react to queue progress. Any of them may be nil.
type Callbacks struct {
	// OnImageUploaded is called once the image at imageIndex of the item is
	// stored at newURL, so the owner can replace oldURI with it.
	OnImageUploaded func(itemID string, itemType ItemType, imageIndex int, newURL, oldURI string)
	// OnImageFailed is called once an entry runs out of retries.
	OnImageFailed func(itemID string, itemType ItemType, imageIndex int, localURI string, err error)
	// OnStaleImage is called for images whose local file no longer exists.
	OnStaleImage func(itemID string, itemType ItemType, localURI string)
}

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

// Counts summarizes the queue by state.
type Counts struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Config configures a Queue.
type Config struct {
	KV       kv.Storage
	Files    FileSystem
	Uploader Uploader
	Bucket   string

	Logger     *slog.Logger
	MaxRetries int
	Backoff    []time.Duration
	Retention  time.Duration
	Now        func() time.Time
}

// QueueKey is the KV key holding a user's queue.
func QueueKey(userID string) string {
	return "crochet:" + userID + ":image_queue"
}

// Queue is the upload queue of the signed-in user.
type Queue struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	userID      string
	initialized bool
	items       []*QueuedImage
	cb          Callbacks
	processing  bool
	done        chan struct{}
	cancelDrain context.CancelFunc
	// gen changes on every reset so an in-flight drain stops touching state.
	gen int
}

// New returns an uninitialized queue.
func New(cfg Config) *Queue {
	if cfg.Files == nil {
		cfg.Files = OSFiles{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = MaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = Retention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{cfg: cfg, log: log.With("component", "imagequeue")}
}

// Initialize loads the persisted queue of userID. Entries whose local file is
// gone are dropped, entries interrupted mid-upload are reset to pending and
// processing resumes. Calling it again for the same user without callbacks is
// a no-op; with callbacks it only replaces them.
func (q *Queue) Initialize(ctx context.Context, userID string, cb *Callbacks) error {
	if userID == "" {
		return fmt.Errorf("initializing image queue: user id required")
	}

	q.mu.Lock()
	if q.initialized && q.userID == userID {
		if cb != nil {
			q.cb = *cb
		}
		q.mu.Unlock()
		return nil
	}
	if q.initialized {
		q.log.Info("switching image queue user", "from", q.userID, "to", userID)
		q.resetLocked()
	}
	q.mu.Unlock()

	raw, ok, err := q.cfg.KV.GetItem(ctx, QueueKey(userID))
	if err != nil {
		return fmt.Errorf("loading image queue: %w", err)
	}
	var loaded []*QueuedImage
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
			q.log.Error("persisted image queue is corrupt, starting empty", "error", err)
			loaded = nil
		}
	}

	var kept, stale []*QueuedImage
	resumed := 0
	for _, item := range loaded {
		if item == nil || item.ID == "" {
			continue
		}
		if item.Status != StatusCompleted && !q.cfg.Files.Exists(item.LocalURI) {
			stale = append(stale, item)
			continue
		}
		if item.Status == StatusUploading {
			item.Status = StatusPending
			resumed++
		}
		kept = append(kept, item)
	}

	q.mu.Lock()
	q.userID = userID
	q.initialized = true
	q.items = kept
	if cb != nil {
		q.cb = *cb
	}
	callbacks := q.cb
	if err := q.persistLocked(ctx); err != nil {
		q.log.Error("persisting image queue", "error", err)
	}
	start := q.hasPendingLocked() && q.startLocked()
	q.mu.Unlock()

	q.log.Info("image queue initialized", "user", userID, "entries", len(kept), "stale", len(stale), "resumed", resumed)

	for _, item := range stale {
		metrics.ImageUploadsTotal.WithLabelValues("stale").Inc()
		if callbacks.OnStaleImage != nil {
			callbacks.OnStaleImage(item.ItemID, item.ItemType, item.LocalURI)
		}
	}
	if start {
		go q.drain(context.WithoutCancel(ctx))
	}
	return nil
}

// Enqueue adds the local images among candidates and starts processing. It
// returns the number of entries added. Images that are not local files,
// missing on disk or already queued are skipped, checked in that order;
// missing ones are reported through OnStaleImage even when already queued.
func (q *Queue) Enqueue(ctx context.Context, candidates []Candidate) (int, error) {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return 0, ErrNotInitialized
	}
	callbacks := q.cb

	var stale []Candidate
	added := 0
	for _, c := range candidates {
		if !IsLocalURI(c.LocalURI) {
			continue
		}
		if !q.cfg.Files.Exists(c.LocalURI) {
			stale = append(stale, c)
			continue
		}
		if q.containsLocked(c.LocalURI, c.ItemID) {
			q.log.Debug("image already queued", "uri", c.LocalURI, "item", c.ItemID)
			continue
		}
		q.items = append(q.items, &QueuedImage{
			ID:         uuid.NewString(),
			LocalURI:   c.LocalURI,
			Bucket:     q.cfg.Bucket,
			ItemID:     c.ItemID,
			ItemType:   c.ItemType,
			ImageIndex: c.ImageIndex,
			Status:     StatusPending,
			CreatedAt:  q.cfg.Now().UTC(),
		})
		added++
	}

	var err error
	if added > 0 {
		err = q.persistLocked(ctx)
	}
	start := added > 0 && q.startLocked()
	q.mu.Unlock()

	for _, c := range stale {
		metrics.ImageUploadsTotal.WithLabelValues("stale").Inc()
		q.log.Warn("local image no longer exists", "uri", c.LocalURI, "item", c.ItemID)
		if callbacks.OnStaleImage != nil {
			callbacks.OnStaleImage(c.ItemID, c.ItemType, c.LocalURI)
		}
	}
	if err != nil {
		q.log.Error("persisting image queue", "error", err)
	}
	if start {
		go q.drain(context.WithoutCancel(ctx))
	}
	return added, nil
}

// ProcessQueue drains the queue unless a drain is already running, in which
// case it returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	start := q.initialized && q.startLocked()
	q.mu.Unlock()

	if start {
		q.drain(ctx)
	}
}

// Wait blocks until no drain is running.
func (q *Queue) Wait() {
	for {
		q.mu.Lock()
		processing, done := q.processing, q.done
		q.mu.Unlock()
		if !processing {
			return
		}
		<-done
	}
}

// Status returns the number of entries per state.
func (q *Queue) Status() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

// Items returns a copy of every entry in queue order.
func (q *Queue) Items() []QueuedImage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedImage, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}

// RetryFailed moves every failed entry back to pending with a fresh retry
// budget and starts processing. It returns the number of entries requeued.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return 0, ErrNotInitialized
	}
	n := 0
	for _, item := range q.items {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.RetryCount = 0
			item.LastError = ""
			n++
		}
	}
	var err error
	if n > 0 {
		err = q.persistLocked(ctx)
	}
	start := n > 0 && q.startLocked()
	q.mu.Unlock()

	if start {
		go q.drain(context.WithoutCancel(ctx))
	}
	return n, err
}

// ClearFailed removes every failed entry. It returns the number removed.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.initialized {
		return 0, ErrNotInitialized
	}
	kept := q.items[:0]
	n := 0
	for _, item := range q.items {
		if item.Status == StatusFailed {
			n++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if n == 0 {
		return 0, nil
	}
	return n, q.persistLocked(ctx)
}

// Cleanup resets the queue completely, in memory and on disk. It is called on
// logout so no entries leak to the next account.
func (q *Queue) Cleanup(ctx context.Context) error {
	q.mu.Lock()
	userID := q.userID
	q.resetLocked()
	q.mu.Unlock()

	for _, s := range []string{"pending", "uploading", "completed", "failed"} {
		metrics.ImageQueueDepth.WithLabelValues(s).Set(0)
	}
	if userID == "" {
		return nil
	}
	if err := q.cfg.KV.RemoveItem(ctx, QueueKey(userID)); err != nil {
		return fmt.Errorf("clearing image queue: %w", err)
	}
	q.log.Info("image queue cleared", "user", userID)
	return nil
}

// UserID returns the user the queue is initialized for.
func (q *Queue) UserID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.userID
}

func (q *Queue) resetLocked() {
	if q.cancelDrain != nil {
		q.cancelDrain()
		q.cancelDrain = nil
	}
	q.gen++
	q.items = nil
	q.cb = Callbacks{}
	q.userID = ""
	q.initialized = false
}

// startLocked claims the single drain slot. It reports false if a drain is
// already running.
func (q *Queue) startLocked() bool {
	if q.processing {
		return false
	}
	q.processing = true
	q.done = make(chan struct{})
	return true
}

func (q *Queue) drain(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	gen := q.gen
	q.cancelDrain = cancel
	done := q.done
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		q.processing = false
		stale := q.gen != gen
		if !stale {
			q.cancelDrain = nil
		}
		// The queue was reset and re-initialized while this drain ran.
		restart := stale && q.initialized && q.hasPendingLocked() && q.startLocked()
		q.mu.Unlock()
		close(done)
		if restart {
			go q.drain(context.Background())
		}
	}()

	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		item := q.nextPendingLocked()
		if item == nil {
			q.gcLocked(ctx)
			q.mu.Unlock()
			return
		}
		item.Status = StatusUploading
		if err := q.persistLocked(ctx); err != nil {
			q.log.Error("persisting image queue", "error", err)
		}
		snapshot := *item
		userID := q.userID
		q.mu.Unlock()

		url, err := q.upload(ctx, userID, &snapshot)

		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		callbacks := q.cb

		if err == nil {
			now := q.cfg.Now().UTC()
			item.Status = StatusCompleted
			item.ResultURL = url
			item.CompletedAt = &now
			item.LastError = ""
			if err := q.persistLocked(ctx); err != nil {
				q.log.Error("persisting image queue", "error", err)
			}
			q.mu.Unlock()

			metrics.ImageUploadsTotal.WithLabelValues("success").Inc()
			if callbacks.OnImageUploaded != nil {
				callbacks.OnImageUploaded(snapshot.ItemID, snapshot.ItemType, snapshot.ImageIndex, url, snapshot.LocalURI)
			}
			continue
		}

		item.RetryCount++
		item.LastError = err.Error()
		if item.RetryCount < q.cfg.MaxRetries {
			item.Status = StatusPending
			retry := item.RetryCount
			if perr := q.persistLocked(ctx); perr != nil {
				q.log.Error("persisting image queue", "error", perr)
			}
			q.mu.Unlock()

			metrics.ImageUploadsTotal.WithLabelValues("retry").Inc()
			delay := q.cfg.Backoff[min(retry, len(q.cfg.Backoff)-1)]
			q.log.Warn("image upload failed, retrying", "item", snapshot.ItemID, "attempt", retry, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		item.Status = StatusFailed
		if perr := q.persistLocked(ctx); perr != nil {
			q.log.Error("persisting image queue", "error", perr)
		}
		q.mu.Unlock()

		metrics.ImageUploadsTotal.WithLabelValues("failed").Inc()
		q.log.Error("image upload failed permanently", "item", snapshot.ItemID, "uri", snapshot.LocalURI, "attempts", snapshot.RetryCount+1, "error", err)
		if callbacks.OnImageFailed != nil {
			callbacks.OnImageFailed(snapshot.ItemID, snapshot.ItemType, snapshot.ImageIndex, snapshot.LocalURI, err)
		}
	}
}

func (q *Queue) upload(ctx context.Context, userID string, item *QueuedImage) (string, error) {
	if q.cfg.Uploader == nil {
		return "", fmt.Errorf("no uploader configured")
	}
	data, err := q.cfg.Files.ReadFile(item.LocalURI)
	if err != nil {
		return "", err
	}

	res := imaging.Prepare(data)
	key := ObjectKey(userID, item, res.MIME)

	url, err := q.cfg.Uploader.Upload(ctx, item.Bucket, key, res.Data, res.MIME)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	metrics.ImageUploadBytes.Observe(float64(len(res.Data)))
	q.log.Info("image uploaded",
		"item", item.ItemID,
		"key", key,
		"size", humanize.Bytes(uint64(len(res.Data))),
		"original", humanize.Bytes(uint64(res.OriginalSize)),
	)
	return url, nil
}

// ObjectKey is the storage key of an entry: user/itemType/itemID/entryID.ext.
func ObjectKey(userID string, item *QueuedImage, mime string) string {
	return path.Join(userID, string(item.ItemType), item.ItemID, item.ID+extension(mime))
}

func extension(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

func (q *Queue) nextPendingLocked() *QueuedImage {
	for _, item := range q.items {
		if item.Status == StatusPending {
			return item
		}
	}
	return nil
}

func (q *Queue) hasPendingLocked() bool {
	return q.nextPendingLocked() != nil
}

func (q *Queue) containsLocked(uri, itemID string) bool {
	for _, item := range q.items {
		if item.LocalURI == uri && item.ItemID == itemID {
			return true
		}
	}
	return false
}

// gcLocked drops completed entries older than the retention window.
func (q *Queue) gcLocked(ctx context.Context) {
	cutoff := q.cfg.Now().Add(-q.cfg.Retention)
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Status == StatusCompleted && item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		if err := q.persistLocked(ctx); err != nil {
			q.log.Error("persisting image queue", "error", err)
		}
		q.log.Debug("removed old completed entries", "count", removed)
	}
}

func (q *Queue) countsLocked() Counts {
	var c Counts
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			c.Pending++
		case StatusUploading:
			c.Uploading++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	c.Total = len(q.items)
	return c
}

func (q *Queue) persistLocked(ctx context.Context) error {
	c := q.countsLocked()
	metrics.ImageQueueDepth.WithLabelValues("pending").Set(float64(c.Pending))
	metrics.ImageQueueDepth.WithLabelValues("uploading").Set(float64(c.Uploading))
	metrics.ImageQueueDepth.WithLabelValues("completed").Set(float64(c.Completed))
	metrics.ImageQueueDepth.WithLabelValues("failed").Set(float64(c.Failed))

	items := q.items
	if items == nil {
		items = []*QueuedImage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding image queue: %w", err)
	}
	if err := q.cfg.KV.SetItem(ctx, QueueKey(q.userID), string(data)); err != nil {
		return fmt.Errorf("saving image queue: %w", err)
	}
	return nil
}
