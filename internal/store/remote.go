package store

import (
	"context"
	"encoding/json"
)

// Tier selects how a store is backed.
type Tier string

const (
	// TierLocal keeps rows on the device only.
	TierLocal Tier = "local"
	// TierSynced mirrors rows to the hosted backend.
	TierSynced Tier = "synced"
)

// Remote is the hosted relational backend. Rows travel as JSON documents so
// each store can decode and validate them at its own boundary.
type Remote interface {
	// Pull returns every row of table owned by userID, soft-deleted ones included.
	Pull(ctx context.Context, table, userID string) ([]json.RawMessage, error)
	// Upsert writes rows to table, keyed by id.
	Upsert(ctx context.Context, table string, rows []json.RawMessage) error
}

// ChangeType is the kind of a remote change.
type ChangeType string

// Change types as reported by the realtime feed.
const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level change observed on the hosted backend.
type Change struct {
	Table  string
	Type   ChangeType
	Record json.RawMessage
	// OldID is set for deletes, when Record is empty.
	OldID string
}

// ChangeFeed delivers remote changes for one table filtered by user.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table, userID string, fn func(Change)) (unsubscribe func(), err error)
}
