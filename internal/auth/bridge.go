package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// State is the state of the auth bridge.
type State string

// Bridge states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateFallback        State = "authenticated-fallback"
)

// DefaultProfileTimeout bounds the profile fetch during bootstrap and login.
// Bootstrap as a whole, session lookup included, is held to the same bound.
const DefaultProfileTimeout = 5 * time.Second

// StoredSessionSource is implemented by providers that can return their
// persisted session without contacting the service.
type StoredSessionSource interface {
	StoredSession(ctx context.Context) (*Session, error)
}

// Bridge maps a provider session and a profile row onto the local user.
type Bridge struct {
	provider Provider
	profiles ProfileSource
	log      *slog.Logger

	// ProfileTimeout bounds each profile fetch and the whole of Bootstrap.
	ProfileTimeout time.Duration

	mu       sync.Mutex
	state    State
	user     *model.User
	session  *Session
	explicit int // bootstrap, login, register or logout in progress
	nextSub  int
	subs     map[int]func(State, *model.User)
	unsub    func()
}

// NewBridge returns a bridge in the unauthenticated state. profiles may be nil,
// in which case every session hydrates to the fallback identity.
func NewBridge(provider Provider, profiles ProfileSource, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		provider:       provider,
		profiles:       profiles,
		log:            log.With("component", "auth"),
		ProfileTimeout: DefaultProfileTimeout,
		state:          StateUnauthenticated,
		subs:           make(map[int]func(State, *model.User)),
	}
}

// Bootstrap restores the persisted session, if any. Provider events that
// arrive while it runs are ignored; the explicit session lookup wins.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	b.begin()
	defer b.end()

	b.mu.Lock()
	if b.unsub == nil {
		b.unsub = b.provider.OnAuthStateChange(b.handleEvent)
	}
	b.mu.Unlock()

	b.set(StateInitializing, nil, nil)

	bctx, cancel := context.WithTimeout(ctx, b.ProfileTimeout)
	defer cancel()

	session, err := race(bctx, b.provider.GetSession)
	if err != nil {
		err = Classify(err)
		if errors.Is(err, ErrServiceUnavailable) {
			if stored := b.storedSession(ctx); stored != nil {
				b.log.Warn("auth service unreachable, using stored session identity", "user", stored.UserID, "error", err)
				b.set(StateFallback, fallbackUser(stored), stored)
				return nil
			}
		}
		b.log.Warn("restoring session failed", "error", err)
		b.set(StateUnauthenticated, nil, nil)
		return err
	}
	if session == nil {
		b.set(StateUnauthenticated, nil, nil)
		return nil
	}

	b.hydrate(bctx, session)
	return nil
}

// storedSession returns the provider's persisted session, or nil when the
// provider keeps none or it cannot be read.
func (b *Bridge) storedSession(ctx context.Context) *Session {
	src, ok := b.provider.(StoredSessionSource)
	if !ok {
		return nil
	}
	s, err := src.StoredSession(ctx)
	if err != nil {
		b.log.Warn("reading stored session failed", "error", err)
		return nil
	}
	return s
}

// Login signs in with email and password.
func (b *Bridge) Login(ctx context.Context, email, password string) (*model.User, error) {
	b.begin()
	defer b.end()

	session, err := b.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, Classify(err)
	}
	return b.hydrate(ctx, session), nil
}

// Register creates an account. It returns ErrEmailNotConfirmed when the
// provider requires confirming the email before a session is issued.
func (b *Bridge) Register(ctx context.Context, email, password, name string) (*model.User, error) {
	if err := model.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWeakPassword, err)
	}

	b.begin()
	defer b.end()

	var metadata map[string]any
	if name != "" {
		metadata = map[string]any{"name": name}
	}
	session, err := b.provider.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, Classify(err)
	}
	if session == nil {
		return nil, ErrEmailNotConfirmed
	}
	return b.hydrate(ctx, session), nil
}

// Logout signs out. The local state is cleared even if the provider fails.
func (b *Bridge) Logout(ctx context.Context) error {
	b.begin()
	defer b.end()

	err := b.provider.SignOut(ctx)
	if err != nil {
		b.log.Warn("sign out failed, clearing local session anyway", "error", err)
	}
	b.set(StateUnauthenticated, nil, nil)
	return Classify(err)
}

// ResetPassword asks the provider to email a password reset link.
func (b *Bridge) ResetPassword(ctx context.Context, email, redirectURL string) error {
	return Classify(b.provider.ResetPasswordForEmail(ctx, email, redirectURL))
}

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// User returns a copy of the current user, or nil when signed out.
func (b *Bridge) User() *model.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.user == nil {
		return nil
	}
	u := *b.user
	return &u
}

// Session returns the current session, or nil when signed out.
func (b *Bridge) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	s := *b.session
	return &s
}

// OnUserChange registers fn to be called after every state transition.
func (b *Bridge) OnUserChange(fn func(State, *model.User)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close stops listening to provider events.
func (b *Bridge) Close() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// hydrate resolves the profile for session and moves to authenticated, or to
// the fallback state when the profile cannot be fetched in time.
func (b *Bridge) hydrate(ctx context.Context, session *Session) *model.User {
	profile, err := b.fetchProfile(ctx, session.UserID)
	if err == nil && profile != nil {
		u := *profile
		u.Role = model.NormalizeRole(u.Role)
		if u.Email == "" {
			u.Email = session.Email
		}
		b.set(StateAuthenticated, &u, session)
		return &u
	}

	if err != nil {
		b.log.Warn("profile unavailable, using session identity", "user", session.UserID, "error", err)
	} else {
		b.log.Warn("profile missing, using session identity", "user", session.UserID)
	}
	u := fallbackUser(session)
	b.set(StateFallback, u, session)
	return u
}

// fetchProfile runs the profile fetch under ProfileTimeout.
func (b *Bridge) fetchProfile(ctx context.Context, userID string) (*model.User, error) {
	if b.profiles == nil {
		return nil, fmt.Errorf("no profile source")
	}

	ctx, cancel := context.WithTimeout(ctx, b.ProfileTimeout)
	defer cancel()

	u, err := race(ctx, func(ctx context.Context) (*model.User, error) {
		return b.profiles.FetchProfile(ctx, userID)
	})
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("fetching profile: %w", ctx.Err())
	}
	return u, err
}

// race returns the result of fn or ctx's error, whichever comes first. A fn
// that ignores its context still cannot hold up the caller.
func race[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func fallbackUser(s *Session) *model.User {
	if claims, err := ClaimsFromToken(s.AccessToken); err == nil {
		u := claims.FallbackUser()
		if u.Email == "" {
			u.Email = s.Email
		}
		return u
	}
	return &model.User{ID: s.UserID, Email: s.Email, Role: model.RoleOrdinary}
}

// handleEvent reacts to provider events that the bridge did not cause itself.
func (b *Bridge) handleEvent(ev Event, session *Session) {
	b.mu.Lock()
	ignore := b.explicit > 0
	current := b.session
	b.mu.Unlock()

	if ignore {
		b.log.Debug("ignoring auth event during explicit operation", "event", string(ev))
		return
	}

	switch ev {
	case EventSignedOut:
		b.set(StateUnauthenticated, nil, nil)
	case EventTokenRefreshed:
		if session == nil {
			return
		}
		b.mu.Lock()
		if b.session != nil && b.session.UserID == session.UserID {
			s := *session
			b.session = &s
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b.hydrate(context.Background(), session)
	case EventSignedIn, EventUserUpdated:
		if session == nil {
			return
		}
		if ev == EventSignedIn && current != nil && current.AccessToken == session.AccessToken {
			return
		}
		b.hydrate(context.Background(), session)
	}
}

func (b *Bridge) begin() {
	b.mu.Lock()
	b.explicit++
	b.mu.Unlock()
}

func (b *Bridge) end() {
	b.mu.Lock()
	b.explicit--
	b.mu.Unlock()
}

func (b *Bridge) set(state State, user *model.User, session *Session) {
	b.mu.Lock()
	b.state = state
	b.user = user
	if session != nil {
		s := *session
		b.session = &s
	} else {
		b.session = nil
	}
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(State, *model.User), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	var u *model.User
	if user != nil {
		c := *user
		u = &c
	}
	b.mu.Unlock()

	b.log.Debug("auth state", "state", string(state))
	for _, fn := range subs {
		fn(state, u)
	}
}

// Tier selects the store tier for user. Paid users get synced stores when the
// hosted backend is configured; everyone else stays local.
func Tier(user *model.User, backendConfigured bool) store.Tier {
	if backendConfigured && user.IsPro() {
		return store.TierSynced
	}
	return store.TierLocal
}
