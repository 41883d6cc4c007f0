// Package gotrue is an auth.Provider for the hosted auth REST API. The
// session is persisted in the key-value store and refreshed when it expires.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
)

// Config configures a Client.
type Config struct {
	URL    string
	APIKey string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client implements auth.Provider.
type Client struct {
	cfg  Config
	base string
	kv   kv.Storage
	log  *slog.Logger

	mu        sync.Mutex
	listeners auth.Listeners
}

// New returns a client for the service at cfg.URL.
func New(cfg Config, storage kv.Storage) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gotrue: url required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		kv:   storage,
		log:  log.With("component", "gotrue"),
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// apiError is the error body of the service. Depending on the endpoint the
// message is in one of several fields.
type apiError struct {
	Status      int    `json:"-"`
	Code        any    `json:"code"`
	ErrorCode   string `json:"error_code"`
	ErrorName   string `json:"error"`
	Description string `json:"error_description"`
	Msg         string `json:"msg"`
	Message     string `json:"message"`
}

func (e *apiError) Error() string {
	var parts []string
	for _, s := range []string{e.Description, e.Msg, e.Message, e.ErrorName, e.ErrorCode} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, http.StatusText(e.Status))
	}
	return fmt.Sprintf("auth: %s (status %d)", strings.Join(parts, ": "), e.Status)
}

// GetSession implements auth.Provider.
func (c *Client) GetSession(ctx context.Context) (*auth.Session, error) {
	s, ev, err := c.currentSession(ctx)
	if ev != "" {
		c.listeners.Emit(ev, s)
	}
	return s, err
}

// StoredSession implements auth.StoredSessionSource. It reads the persisted
// session as is, without refreshing it and without waiting on a refresh in
// progress.
func (c *Client) StoredSession(ctx context.Context) (*auth.Session, error) {
	return auth.LoadSession(ctx, c.kv)
}

// currentSession loads the stored session and refreshes it when expired. ev
// is the event to announce, if any.
func (c *Client) currentSession(ctx context.Context) (*auth.Session, auth.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := auth.LoadSession(ctx, c.kv)
	if err != nil || s == nil {
		return nil, "", err
	}
	if !s.Expired(c.cfg.Now()) {
		return s, "", nil
	}

	refreshed, err := c.refresh(ctx, s.RefreshToken)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.log.Info("session refresh rejected, signing out", "error", err)
		if err := auth.ClearSession(ctx, c.kv); err != nil {
			return nil, "", err
		}
		return nil, auth.EventSignedOut, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("refreshing session: %w", err)
	}
	if err := auth.SaveSession(ctx, c.kv, refreshed); err != nil {
		return nil, "", err
	}
	return refreshed, auth.EventTokenRefreshed, nil
}

// SignInWithPassword implements auth.Provider.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, &resp)
}

// SignUp implements auth.Provider. It returns a nil session when the service
// requires the email to be confirmed first.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*auth.Session, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/signup", "", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		c.log.Info("sign up awaiting email confirmation", "email", email)
		return nil, nil
	}
	return c.establish(ctx, &resp)
}

// SignOut implements auth.Provider. The local session is cleared even when
// the service cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s, err := auth.LoadSession(ctx, c.kv)
	if err == nil && s != nil {
		if err := c.do(ctx, http.MethodPost, "/logout", s.AccessToken, nil, nil); err != nil {
			c.log.Warn("remote sign out failed", "error", err)
		}
	}
	err = auth.ClearSession(ctx, c.kv)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.listeners.Emit(auth.EventSignedOut, nil)
	return nil
}

// OnAuthStateChange implements auth.Provider.
func (c *Client) OnAuthStateChange(fn func(auth.Event, *auth.Session)) func() {
	return c.listeners.Add(fn)
}

// ResetPasswordForEmail implements auth.Provider.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectURL string) error {
	path := "/recover"
	if redirectURL != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectURL)
	}
	return c.do(ctx, http.MethodPost, path, "", map[string]string{"email": email}, nil)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	if refreshToken == "" {
		return nil, &apiError{Status: http.StatusUnauthorized, Message: "missing refresh token"}
	}
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", map[string]string{
		"refresh_token": refreshToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.session(&resp)
}

// establish persists a fresh session and announces the sign in.
func (c *Client) establish(ctx context.Context, resp *tokenResponse) (*auth.Session, error) {
	s, err := c.session(resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = auth.SaveSession(ctx, c.kv, s)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.listeners.Emit(auth.EventSignedIn, s)
	return s, nil
}

func (c *Client) session(resp *tokenResponse) (*auth.Session, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth: response without access token")
	}
	s := &auth.Session{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	switch {
	case resp.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	case resp.ExpiresIn > 0:
		s.ExpiresAt = c.cfg.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	default:
		s.ExpiresAt = c.cfg.Now().Add(auth.TokenExpiry).UTC()
	}
	if resp.User != nil {
		s.UserID, s.Email = resp.User.ID, resp.User.Email
	}
	if s.UserID == "" {
		if claims, err := auth.ClaimsFromToken(s.AccessToken); err == nil {
			s.UserID, s.Email = claims.Subject, claims.Email
		}
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("auth: session without user")
	}
	return s, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	token := bearer
	if token == "" {
		token = c.cfg.APIKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if len(data) > 0 {
			json.Unmarshal(data, apiErr)
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
