package kv

import (
	"context"
	"testing"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
)

func TestSQLiteSetAndGet(t *testing.T) {
	s := NewSQLite(db.NewTestDB(t))
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetItem(missing) = ok %v, err %v; want absent", ok, err)
	}

	if err := s.SetItem(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := s.SetItem(ctx, "theme", "light"); err != nil {
		t.Fatalf("SetItem overwrite: %v", err)
	}

	value, ok, err := s.GetItem(ctx, "theme")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !ok || value != "light" {
		t.Errorf("expected 'light', got %q (ok=%v)", value, ok)
	}
}

func TestSQLiteRemove(t *testing.T) {
	s := NewSQLite(db.NewTestDB(t))
	ctx := context.Background()

	s.SetItem(ctx, "a", "1")
	s.SetItem(ctx, "b", "2")
	s.SetItem(ctx, "c", "3")

	if err := s.RemoveItem(ctx, "a"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if err := s.RemoveItem(ctx, "a"); err != nil {
		t.Fatalf("RemoveItem twice: %v", err)
	}
	if err := s.MultiRemove(ctx, []string{"b", "c", "nope"}); err != nil {
		t.Fatalf("MultiRemove: %v", err)
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := s.GetItem(ctx, key); ok {
			t.Errorf("expected %q to be removed", key)
		}
	}
}
