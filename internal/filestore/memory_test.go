package filestore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUpsertRejectsEmptyID(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Upsert(context.Background(), Descriptor{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// TestUpsertIdempotence covers the §8 law: applying the same descriptor
// stream twice leaves the store observationally identical to applying it
// once, modulo synced_at.
func TestUpsertIdempotence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	d := Descriptor{ID: "f1", Name: "report.pdf", Size: 1024, ParentID: "root"}

	if err := store.Upsert(ctx, d); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.Upsert(ctx, d); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row after repeated upsert, got %d", count)
	}

	found, err := store.FindByID(ctx, "f1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if found.Name != "report.pdf" || found.Size != 1024 || found.ParentID != "root" {
		t.Fatalf("unexpected descriptor after idempotent upsert: %+v", found)
	}
}

func TestUpsertIsLastWriteWinsOnEveryField(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, Descriptor{ID: "f1", Name: "original"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.Upsert(ctx, Descriptor{ID: "f1", Name: "updated", Size: 99}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	found, err := store.FindByID(ctx, "f1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if found.Name != "updated" || found.Size != 99 {
		t.Fatalf("expected last write to win on every field, got %+v", found)
	}
}

func TestUpsertStampsSyncedAt(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := store.Upsert(ctx, Descriptor{ID: "f1", Name: "x"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	found, err := store.FindByID(ctx, "f1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if !found.SyncedAt.Equal(fixed) {
		t.Fatalf("expected synced_at=%v, got %v", fixed, found.SyncedAt)
	}
}

func TestFindByParentIDFiltersAndOrders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Upsert(ctx, Descriptor{ID: "f2", Name: "b.txt", ParentID: "root"})
	_ = store.Upsert(ctx, Descriptor{ID: "f1", Name: "a.txt", ParentID: "root"})
	_ = store.Upsert(ctx, Descriptor{ID: "f3", Name: "c.txt", ParentID: "other"})

	children, err := store.FindByParentID(ctx, "root", 0)
	if err != nil {
		t.Fatalf("find by parent id: %v", err)
	}
	if len(children) != 2 || children[0].ID != "f1" || children[1].ID != "f2" {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestDeleteRemovesRowAndIsNotFoundAfterwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Upsert(ctx, Descriptor{ID: "f1", Name: "x"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.Delete(ctx, "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.FindByID(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting an already-removed row, got %v", err)
	}
}
