// Package localauth is an offline auth provider backed by the local SQLite
// database. It issues HS256 sessions shaped like the hosted service's, so the
// rest of the app cannot tell the two apart.
package localauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// Messages mirror the hosted service so auth.Classify maps them the same way.
var (
	errInvalidLogin = errors.New("invalid login credentials")
	errRegistered   = errors.New("user already registered")
)

// Provider implements auth.Provider and auth.ProfileSource.
type Provider struct {
	db     *sql.DB
	kv     kv.Storage
	secret string
	log    *slog.Logger

	mu        sync.Mutex
	listeners auth.Listeners
}

// New returns a provider storing accounts in db and the session in storage.
func New(db *sql.DB, storage kv.Storage, secret string, log *slog.Logger) (*Provider, error) {
	if secret == "" {
		return nil, fmt.Errorf("localauth: signing secret required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{db: db, kv: storage, secret: secret, log: log.With("component", "localauth")}, nil
}

// GetSession implements auth.Provider. An expired access token is refreshed
// while the refresh token is still valid.
func (p *Provider) GetSession(ctx context.Context) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := auth.LoadSession(ctx, p.kv)
	if err != nil || s == nil {
		return nil, err
	}

	if claims, err := p.validate(ctx, s.AccessToken); err == nil && !s.Expired(time.Now()) {
		if claims.Subject == s.UserID {
			return s, nil
		}
	}

	refreshClaims, err := p.validate(ctx, s.RefreshToken)
	if err != nil {
		p.log.Info("stored session is no longer valid", "error", err)
		if err := auth.ClearSession(ctx, p.kv); err != nil {
			return nil, err
		}
		return nil, nil
	}

	acct, err := GetUser(ctx, p.db, refreshClaims.Subject)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		if err := auth.ClearSession(ctx, p.kv); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := RevokeToken(ctx, p.db, refreshClaims.ID, refreshClaims.ExpiresAt.Time); err != nil {
		return nil, err
	}
	refreshed, err := p.issue(ctx, &acct.User)
	if err != nil {
		return nil, err
	}
	p.listeners.Emit(auth.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// SignInWithPassword implements auth.Provider.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	acct, err := GetUserByEmail(ctx, p.db, email)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, errInvalidLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, errInvalidLogin
	}

	p.mu.Lock()
	s, err := p.issue(ctx, &acct.User)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.log.Info("signed in", "user", acct.ID)
	p.listeners.Emit(auth.EventSignedIn, s)
	return s, nil
}

// SignUp implements auth.Provider. Local accounts need no confirmation, so a
// session is always returned.
func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*auth.Session, error) {
	if err := model.ValidatePassword(password); err != nil {
		return nil, err
	}
	existing, err := GetUserByEmail(ctx, p.db, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	name, _ := metadata["name"].(string)
	acct, err := CreateUser(ctx, p.db, email, string(hash), name, model.RoleOrdinary)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	s, err := p.issue(ctx, &acct.User)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.log.Info("registered", "user", acct.ID)
	p.listeners.Emit(auth.EventSignedIn, s)
	return s, nil
}

// SignOut implements auth.Provider. Both tokens of the session are revoked.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	s, err := auth.LoadSession(ctx, p.kv)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s != nil {
		for _, tok := range []string{s.AccessToken, s.RefreshToken} {
			claims, err := auth.ValidateToken(p.secret, tok)
			if err != nil {
				continue
			}
			if err := RevokeToken(ctx, p.db, claims.ID, claims.ExpiresAt.Time); err != nil {
				p.log.Warn("revoking token", "error", err)
			}
		}
	}
	err = auth.ClearSession(ctx, p.kv)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.listeners.Emit(auth.EventSignedOut, nil)
	return nil
}

// OnAuthStateChange implements auth.Provider.
func (p *Provider) OnAuthStateChange(fn func(auth.Event, *auth.Session)) func() {
	return p.listeners.Add(fn)
}

// ResetPasswordForEmail implements auth.Provider. There is no mail delivery
// offline; the request is only logged.
func (p *Provider) ResetPasswordForEmail(ctx context.Context, email, redirectURL string) error {
	acct, err := GetUserByEmail(ctx, p.db, email)
	if err != nil {
		return err
	}
	if acct != nil {
		p.log.Info("password reset requested", "user", acct.ID, "redirect", redirectURL)
	}
	return nil
}

// FetchProfile implements auth.ProfileSource.
func (p *Provider) FetchProfile(ctx context.Context, userID string) (*model.User, error) {
	acct, err := GetUser(ctx, p.db, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}
	u := acct.User
	return &u, nil
}

// SetRole changes the role of the account with the given email.
func (p *Provider) SetRole(ctx context.Context, email, role string) error {
	acct, err := p.account(ctx, email)
	if err != nil {
		return err
	}
	return UpdateUserRole(ctx, p.db, acct.ID, role)
}

// Accounts lists the active local accounts, oldest first.
func (p *Provider) Accounts(ctx context.Context) ([]model.User, error) {
	accounts, err := ListUsers(ctx, p.db)
	if err != nil {
		return nil, err
	}
	users := make([]model.User, len(accounts))
	for i := range accounts {
		users[i] = accounts[i].User
	}
	return users, nil
}

// SetPassword replaces the password of the account with the given email.
// Sessions already issued stay valid.
func (p *Provider) SetPassword(ctx context.Context, email, password string) error {
	if err := model.ValidatePassword(password); err != nil {
		return err
	}
	acct, err := p.account(ctx, email)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := UpdateUserPassword(ctx, p.db, acct.ID, string(hash)); err != nil {
		return err
	}
	p.log.Info("password changed", "user", acct.ID)
	return nil
}

// DeleteAccount deletes the account with the given email and signs it out if
// it holds the current session. It returns the deleted user's id.
func (p *Provider) DeleteAccount(ctx context.Context, email string) (string, error) {
	acct, err := p.account(ctx, email)
	if err != nil {
		return "", err
	}
	if err := DeleteUser(ctx, p.db, acct.ID); err != nil {
		return "", err
	}
	p.log.Info("deleted account", "user", acct.ID)

	s, err := p.GetSession(ctx)
	if err != nil || s == nil || s.UserID != acct.ID {
		return acct.ID, nil
	}
	return acct.ID, p.SignOut(ctx)
}

func (p *Provider) account(ctx context.Context, email string) (*Account, error) {
	acct, err := GetUserByEmail(ctx, p.db, email)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("no user with email %s", email)
	}
	return acct, nil
}

// issue creates, persists and returns a new session for user. p.mu must be held.
func (p *Provider) issue(ctx context.Context, user *model.User) (*auth.Session, error) {
	access, claims, err := auth.GenerateToken(p.secret, user, auth.TokenExpiry)
	if err != nil {
		return nil, err
	}
	refresh, _, err := auth.GenerateToken(p.secret, user, auth.RefreshTokenExpiry)
	if err != nil {
		return nil, err
	}

	s := &auth.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
		UserID:       user.ID,
		Email:        user.Email,
	}
	if err := auth.SaveSession(ctx, p.kv, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) validate(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := auth.ValidateToken(p.secret, token)
	if err != nil {
		return nil, err
	}
	revoked, err := IsTokenRevoked(ctx, p.db, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("token revoked")
	}
	return claims, nil
}
