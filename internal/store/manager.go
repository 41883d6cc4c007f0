package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Signature identifies the user and tier a set of stores was built for.
type Signature struct {
	UserID string
	Tier   Tier
}

func (s Signature) String() string {
	return s.UserID + "/" + string(s.Tier)
}

// Closer is implemented by whatever a Manager builds.
type Closer interface {
	Close() error
}

// BuildFunc creates and starts the stores for a signature.
type BuildFunc[S Closer] func(ctx context.Context, sig Signature) (S, error)

// Manager caches the stores of the current signature. Asking for a different
// signature closes the cached stores before building new ones, so stores of a
// previous user or tier never deliver updates again.
type Manager[S Closer] struct {
	build BuildFunc[S]
	log   *slog.Logger

	mu      sync.Mutex
	sig     Signature
	current S
	has     bool
}

// NewManager returns a Manager that uses build to create stores.
func NewManager[S Closer](build BuildFunc[S], log *slog.Logger) *Manager[S] {
	if log == nil {
		log = slog.Default()
	}
	return &Manager[S]{build: build, log: log}
}

// Get returns the stores for sig, building them if the cache holds stores for
// another signature or none at all.
func (m *Manager[S]) Get(ctx context.Context, sig Signature) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.has && m.sig == sig {
		return m.current, nil
	}
	if m.has {
		m.log.Info("store signature changed, closing stores", "old", m.sig.String(), "new", sig.String())
		m.closeLocked()
	}

	s, err := m.build(ctx, sig)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("building stores for %s: %w", sig, err)
	}
	m.current, m.sig, m.has = s, sig, true
	return s, nil
}

// Current returns the cached stores, if any.
func (m *Manager[S]) Current() (S, Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.sig, m.has
}

// Invalidate closes and forgets the cached stores.
func (m *Manager[S]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.has {
		m.closeLocked()
	}
}

func (m *Manager[S]) closeLocked() {
	if err := m.current.Close(); err != nil {
		m.log.Warn("closing stores", "signature", m.sig.String(), "error", err)
	}
	var zero S
	m.current, m.sig, m.has = zero, Signature{}, false
}
