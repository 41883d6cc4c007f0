package store

import (
	"fmt"
	"time"
)

// TimeLayout is the ISO-8601 layout used for every timestamp stored in a row.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Meta holds the bookkeeping columns shared by every synced table.
type Meta struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	DeletedAt *string `json:"deleted_at"`
}

// RowMeta returns the bookkeeping columns of a row.
func (m *Meta) RowMeta() *Meta {
	return m
}

// Deleted reports whether the row carries a soft-delete marker.
func (m *Meta) Deleted() bool {
	return m.DeletedAt != nil
}

// CloneMeta returns a copy of m that shares no pointers with it.
func (m *Meta) CloneMeta() Meta {
	c := *m
	if m.DeletedAt != nil {
		d := *m.DeletedAt
		c.DeletedAt = &d
	}
	return c
}

// Validate checks the bookkeeping columns.
func (m *Meta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if _, err := ParseTime(m.UpdatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	if m.CreatedAt != "" {
		if _, err := ParseTime(m.CreatedAt); err != nil {
			return fmt.Errorf("created_at: %w", err)
		}
	}
	if m.DeletedAt != nil {
		if _, err := ParseTime(*m.DeletedAt); err != nil {
			return fmt.Errorf("deleted_at: %w", err)
		}
	}
	return nil
}

// Record is implemented by every row type a Store can hold. R is the row's own
// pointer type, so Clone stays statically typed.
type Record[R any] interface {
	RowMeta() *Meta
	Clone() R
	Validate() error
}

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatTimePtr is FormatTime for optional values.
func FormatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

// ParseTime parses an ISO-8601 timestamp as written by FormatTime or by the
// hosted backend (which may use a +00:00 offset and microseconds).
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// newer reports whether a was updated strictly after b. Unparseable timestamps
// lose against parseable ones.
func newer(a, b *Meta) bool {
	ta, errA := ParseTime(a.UpdatedAt)
	tb, errB := ParseTime(b.UpdatedAt)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	return ta.After(tb)
}
