// Package remote talks to the hosted Postgres backend: it pulls and upserts
// collection rows as JSON and reads user profiles.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// Tables that may be pulled and upserted.
var tables = map[string]bool{
	"projects":        true,
	"inventory_items": true,
}

// ErrUnknownTable is returned for tables outside the synced set.
var ErrUnknownTable = errors.New("unknown table")

// DB is the subset of pgxpool.Pool used here.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres implements store.Remote and auth.ProfileSource.
type Postgres struct {
	DB DB
}

// Connect opens a connection pool to dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to backend: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging backend: %w", err)
	}
	return pool, nil
}

// New returns a Postgres remote over db.
func New(db DB) *Postgres {
	return &Postgres{DB: db}
}

// Pull implements store.Remote. Soft-deleted rows are included so deletions
// reach this device.
func (p *Postgres) Pull(ctx context.Context, table, userID string) ([]json.RawMessage, error) {
	if !tables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	ident := pgx.Identifier{table}.Sanitize()

	rows, err := p.DB.Query(ctx,
		`SELECT row_to_json(t)::text FROM `+ident+` t WHERE t.user_id = $1 ORDER BY t.updated_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		out = append(out, json.RawMessage(doc))
	}
	return out, rows.Err()
}

// Upsert implements store.Remote. A row only replaces the stored one when its
// updated_at is not older.
func (p *Postgres) Upsert(ctx context.Context, table string, rows []json.RawMessage) error {
	if !tables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if len(rows) == 0 {
		return nil
	}

	columns, err := columnsOf(rows)
	if err != nil {
		return fmt.Errorf("upserting %s: %w", table, err)
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding %s rows: %w", table, err)
	}

	if _, err := p.DB.Exec(ctx, upsertSQL(table, columns), string(payload)); err != nil {
		return fmt.Errorf("upserting %s: %w", table, err)
	}
	return nil
}

// FetchProfile implements auth.ProfileSource.
func (p *Postgres) FetchProfile(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	var name, role, avatar *string
	err := p.DB.QueryRow(ctx,
		`SELECT id::text, email, name, role, avatar_url FROM profiles WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &name, &role, &avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	if name != nil {
		u.Name = *name
	}
	if avatar != nil {
		u.Avatar = *avatar
	}
	u.Role = model.RoleOrdinary
	if role != nil {
		u.Role = model.NormalizeRole(*role)
	}
	return &u, nil
}

// columnsOf returns the sorted union of keys over rows. Every row must
// carry an id.
func columnsOf(rows []json.RawMessage) ([]string, error) {
	seen := make(map[string]bool)
	for _, r := range rows {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r, &obj); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		if _, ok := obj["id"]; !ok {
			return nil, fmt.Errorf("row without id")
		}
		for k := range obj {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

func upsertSQL(table string, columns []string) string {
	ident := pgx.Identifier{table}.Sanitize()

	quoted := make([]string, len(columns))
	var sets []string
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		if c != "id" {
			sets = append(sets, quoted[i]+" = EXCLUDED."+quoted[i])
		}
	}
	list := strings.Join(quoted, ", ")

	var b strings.Builder
	b.WriteString("INSERT INTO " + ident + " (" + list + ")")
	b.WriteString(" SELECT " + list + " FROM jsonb_populate_recordset(NULL::" + ident + ", $1::jsonb)")
	b.WriteString(" ON CONFLICT (\"id\") DO ")
	if len(sets) == 0 {
		b.WriteString("NOTHING")
		return b.String()
	}
	b.WriteString("UPDATE SET " + strings.Join(sets, ", "))
	b.WriteString(" WHERE " + ident + ".\"updated_at\" <= EXCLUDED.\"updated_at\"")
	return b.String()
}
