package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// SessionKey is the KV key a provider persists its session under.
const SessionKey = "crochet:auth:session"

// Session is a signed-in session as issued by an auth provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// Expired reports whether the access token is past its expiry, with a small
// margin so a token is refreshed before requests start failing.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now.Add(30 * time.Second))
}

// Event is an auth state change reported by a provider.
type Event string

// Auth events.
const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Provider is a hosted or local authentication service.
type Provider interface {
	// GetSession returns the current session, refreshing it if needed. It
	// returns nil when nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUp registers a user. The session is nil when the service requires
	// email confirmation first.
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(fn func(Event, *Session)) (unsubscribe func())
	ResetPasswordForEmail(ctx context.Context, email, redirectURL string) error
}

// ProfileSource loads the profile row of a user.
type ProfileSource interface {
	FetchProfile(ctx context.Context, userID string) (*model.User, error)
}

// Listeners is a set of auth state change callbacks.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event, *Session)
}

// Add registers fn and returns a function removing it.
func (l *Listeners) Add(fn func(Event, *Session)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(Event, *Session))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Emit calls every listener, in registration order, outside the lock.
func (l *Listeners) Emit(ev Event, s *Session) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event, *Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev, s)
	}
}

// LoadSession reads a persisted session. It returns nil when none is stored.
func LoadSession(ctx context.Context, storage kv.Storage) (*Session, error) {
	raw, ok, err := storage.GetItem(ctx, SessionKey)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// SaveSession persists s.
func SaveSession(ctx context.Context, storage kv.Storage, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := storage.SetItem(ctx, SessionKey, string(data)); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// ClearSession removes the persisted session.
func ClearSession(ctx context.Context, storage kv.Storage) error {
	if err := storage.RemoveItem(ctx, SessionKey); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
