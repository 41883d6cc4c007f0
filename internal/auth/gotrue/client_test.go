package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
)

// fakeAuth is a minimal stand-in for the hosted auth service.
type fakeAuth struct {
	mu         sync.Mutex
	requests   []string
	bearers    []string
	refreshOK  bool
	confirmReq bool
}

func (f *fakeAuth) setConfirm(v bool) {
	f.mu.Lock()
	f.confirmReq = v
	f.mu.Unlock()
}

func (f *fakeAuth) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		f.bearers = append(f.bearers, r.Header.Get("Authorization"))
		refreshOK, confirmReq := f.refreshOK, f.confirmReq
		f.mu.Unlock()

		if r.Header.Get("apikey") != "anon-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		writeJSON := func(status int, v any) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(v)
		}
		session := func(access string) map[string]any {
			return map[string]any{
				"access_token":  access,
				"refresh_token": "refresh-1",
				"expires_in":    3600,
				"user":          map[string]any{"id": "user-1", "email": "knitter@example.com"},
			}
		}

		switch {
		case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "password":
			if body["password"] != "correct-horse" {
				writeJSON(http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid login credentials"})
				return
			}
			writeJSON(http.StatusOK, session("access-1"))
		case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "refresh_token":
			if !refreshOK || body["refresh_token"] != "refresh-1" {
				writeJSON(http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid Refresh Token"})
				return
			}
			writeJSON(http.StatusOK, session("access-2"))
		case r.URL.Path == "/auth/v1/signup":
			if body["email"] == "taken@example.com" {
				writeJSON(http.StatusUnprocessableEntity, map[string]any{"code": 422, "msg": "User already registered"})
				return
			}
			if confirmReq {
				writeJSON(http.StatusOK, map[string]any{"id": "user-2", "email": body["email"]})
				return
			}
			writeJSON(http.StatusOK, session("access-1"))
		case r.URL.Path == "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/auth/v1/recover":
			writeJSON(http.StatusTooManyRequests, map[string]any{"message": "For security purposes, you can only request this once every 60 seconds"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, f *fakeAuth) (*Client, *kv.SQLite, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	now := time.Now()
	storage := kv.NewSQLite(db.NewTestDB(t))
	c, err := New(Config{URL: srv.URL, APIKey: "anon-key", Now: func() time.Time { return now }}, storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, storage, &now
}

func TestSignInPersistsSession(t *testing.T) {
	f := &fakeAuth{}
	c, storage, _ := newTestClient(t, f)
	ctx := context.Background()

	var events []auth.Event
	c.OnAuthStateChange(func(ev auth.Event, _ *auth.Session) { events = append(events, ev) })

	s, err := c.SignInWithPassword(ctx, "knitter@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	if s.UserID != "user-1" || s.AccessToken != "access-1" || s.RefreshToken != "refresh-1" {
		t.Errorf("session = %+v", s)
	}

	stored, err := auth.LoadSession(ctx, storage)
	if err != nil || stored == nil || stored.AccessToken != "access-1" {
		t.Fatalf("stored session = %+v, %v", stored, err)
	}
	got, err := c.GetSession(ctx)
	if err != nil || got == nil || got.UserID != "user-1" {
		t.Errorf("GetSession = %+v, %v", got, err)
	}
	if len(events) != 1 || events[0] != auth.EventSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", events)
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	c, _, _ := newTestClient(t, &fakeAuth{})

	_, err := c.SignInWithPassword(context.Background(), "knitter@example.com", "wrong")
	if !errors.Is(auth.Classify(err), auth.ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestSignUp(t *testing.T) {
	f := &fakeAuth{}
	c, _, _ := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.SignUp(ctx, "taken@example.com", "long-enough", nil); !errors.Is(auth.Classify(err), auth.ErrUserExists) {
		t.Errorf("duplicate error = %v, want ErrUserExists", err)
	}

	f.setConfirm(true)
	s, err := c.SignUp(ctx, "new@example.com", "long-enough", map[string]any{"name": "Ana"})
	if err != nil || s != nil {
		t.Errorf("SignUp awaiting confirmation = %+v, %v; want nil session", s, err)
	}

	f.setConfirm(false)
	s, err = c.SignUp(ctx, "new@example.com", "long-enough", nil)
	if err != nil || s == nil || s.UserID != "user-1" {
		t.Errorf("SignUp = %+v, %v", s, err)
	}
}

func TestGetSessionRefreshes(t *testing.T) {
	f := &fakeAuth{refreshOK: true}
	c, _, now := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.SignInWithPassword(ctx, "knitter@example.com", "correct-horse"); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	var events []auth.Event
	c.OnAuthStateChange(func(ev auth.Event, _ *auth.Session) { events = append(events, ev) })

	*now = now.Add(2 * time.Hour)
	s, err := c.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s == nil || s.AccessToken != "access-2" {
		t.Fatalf("session = %+v, want refreshed", s)
	}
	if len(events) != 1 || events[0] != auth.EventTokenRefreshed {
		t.Errorf("events = %v, want [TOKEN_REFRESHED]", events)
	}
}

func TestGetSessionRejectedRefreshSignsOut(t *testing.T) {
	f := &fakeAuth{}
	c, storage, now := newTestClient(t, f)
	ctx := context.Background()

	c.SignInWithPassword(ctx, "knitter@example.com", "correct-horse")
	var events []auth.Event
	c.OnAuthStateChange(func(ev auth.Event, _ *auth.Session) { events = append(events, ev) })

	*now = now.Add(2 * time.Hour)
	s, err := c.GetSession(ctx)
	if err != nil || s != nil {
		t.Fatalf("GetSession = %+v, %v; want signed out", s, err)
	}
	if stored, _ := auth.LoadSession(ctx, storage); stored != nil {
		t.Error("session still stored after rejected refresh")
	}
	if len(events) != 1 || events[0] != auth.EventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", events)
	}
}

func TestSignOut(t *testing.T) {
	f := &fakeAuth{}
	c, storage, _ := newTestClient(t, f)
	ctx := context.Background()

	c.SignInWithPassword(ctx, "knitter@example.com", "correct-horse")
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if stored, _ := auth.LoadSession(ctx, storage); stored != nil {
		t.Error("session still stored after SignOut")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	last := len(f.requests) - 1
	if f.requests[last] != "POST /auth/v1/logout?" || f.bearers[last] != "Bearer access-1" {
		t.Errorf("last request = %s with %q", f.requests[last], f.bearers[last])
	}
}

func TestResetPasswordRateLimited(t *testing.T) {
	f := &fakeAuth{}
	c, _, _ := newTestClient(t, f)

	err := c.ResetPasswordForEmail(context.Background(), "knitter@example.com", "crochet://reset")
	if !errors.Is(auth.Classify(err), auth.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if got := f.requests[0]; got != "POST /auth/v1/recover?redirect_to=crochet%3A%2F%2Freset" {
		t.Errorf("request = %s", got)
	}
}

func TestBootstrapOfflineKeepsStoredSession(t *testing.T) {
	f := &fakeAuth{refreshOK: true}
	c, storage, now := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.SignInWithPassword(ctx, "knitter@example.com", "correct-horse"); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	offline, err := New(Config{URL: down.URL, APIKey: "anon-key", Now: func() time.Time { return now.Add(2 * time.Hour) }}, storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := offline.GetSession(ctx); !errors.Is(auth.Classify(err), auth.ErrServiceUnavailable) {
		t.Fatalf("GetSession error = %v, want ErrServiceUnavailable", err)
	}

	b := auth.NewBridge(offline, nil, nil)
	if err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if b.State() != auth.StateFallback {
		t.Fatalf("state = %s, want authenticated-fallback", b.State())
	}
	if u := b.User(); u == nil || u.ID != "user-1" {
		t.Errorf("user = %+v, want user-1", u)
	}
	if stored, _ := auth.LoadSession(ctx, storage); stored == nil || stored.AccessToken != "access-1" {
		t.Errorf("stored session = %+v, want it kept", stored)
	}
}
