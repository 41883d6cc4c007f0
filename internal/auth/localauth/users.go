package localauth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// Account is a local user together with its credentials.
type Account struct {
	model.User
	PasswordHash string
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

const accountColumns = `id, email, password_hash, name, avatar, role, created_at, deleted_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Name, &a.Avatar, &a.Role, &a.CreatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateUser creates a new account. Emails are stored lower-cased.
func CreateUser(ctx context.Context, db *sql.DB, email, passwordHash, name, role string) (*Account, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, name, role) VALUES (?, ?, ?, ?, ?)`,
		id, normalizeEmail(email), passwordHash, name, model.NormalizeRole(role),
	)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return GetUser(ctx, db, id)
}

// GetUser returns an active account by ID, or nil if there is none.
func GetUser(ctx context.Context, db *sql.DB, id string) (*Account, error) {
	a, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE id = ? AND deleted_at IS NULL`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return a, nil
}

// GetUserByEmail returns the active account with the given email, or nil.
func GetUserByEmail(ctx context.Context, db *sql.DB, email string) (*Account, error) {
	a, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE email = ? AND deleted_at IS NULL`, normalizeEmail(email),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return a, nil
}

// ListUsers returns all active accounts.
func ListUsers(ctx context.Context, db *sql.DB) ([]Account, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE deleted_at IS NULL ORDER BY created_at, email`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateUserRole changes an account's role.
func UpdateUserRole(ctx context.Context, db *sql.DB, id, role string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ? AND deleted_at IS NULL`,
		model.NormalizeRole(role), id,
	)
	if err != nil {
		return fmt.Errorf("updating user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating user role: user %s not found", id)
	}
	return nil
}

// UpdateUserPassword updates an account's password hash.
func UpdateUserPassword(ctx context.Context, db *sql.DB, id, passwordHash string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ? AND deleted_at IS NULL`,
		passwordHash, id,
	)
	if err != nil {
		return fmt.Errorf("updating user password: %w", err)
	}
	return nil
}

// DeleteUser soft-deletes an account.
func DeleteUser(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
