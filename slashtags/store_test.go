package slashtags

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	driveKey := bytes.Repeat([]byte{1}, KeySize)

	if _, ok, err := store.Get(ctx, driveKey, "a.json"); err != nil || ok {
		t.Fatalf("Get(absent) = ok=%v err=%v, want absent", ok, err)
	}
	if err := store.Put(ctx, driveKey, "a.json", []byte("alpha"), time.Now()); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value, ok, err := store.Get(ctx, driveKey, "a.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(value) != "alpha" {
		t.Fatalf("Get() = %q ok=%v, want alpha", value, ok)
	}
}

func TestMemoryStore_MergeLastWriterWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	driveKey := bytes.Repeat([]byte{2}, KeySize)

	local := NewMemoryStore()
	if err := local.Put(ctx, driveKey, "doc", []byte("new"), newer); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	remote := NewMemoryStore()
	if err := remote.Put(ctx, driveKey, "doc", []byte("old"), older); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	snap, err := remote.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	applied, err := local.Merge(ctx, snap)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("Merge() applied = %d, want 0 (older record must lose)", applied)
	}
	value, _, err := local.Get(ctx, driveKey, "doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "new" {
		t.Fatalf("merge overwrote newer record: got %q", value)
	}
}

func TestMemoryStore_MergeAppliesNewer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	driveKey := bytes.Repeat([]byte{3}, KeySize)

	local := NewMemoryStore()
	if err := local.Put(ctx, driveKey, "doc", []byte("old"), older); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	remote := NewMemoryStore()
	if err := remote.Put(ctx, driveKey, "doc", []byte("new"), newer); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	snap, err := remote.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	applied, err := local.Merge(ctx, snap)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("Merge() applied = %d, want 1", applied)
	}
	value, _, err := local.Get(ctx, driveKey, "doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "new" {
		t.Fatalf("merge kept stale record: got %q", value)
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	driveKey := bytes.Repeat([]byte{4}, KeySize)

	first := NewFileStore(root)
	if err := first.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := first.Put(ctx, driveKey, "profile.json", []byte(`{"name":"alice"}`), time.Now()); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	second := NewFileStore(root)
	value, ok, err := second.Get(ctx, driveKey, "profile.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected persisted record to be found")
	}
	if string(value) != `{"name":"alice"}` {
		t.Fatalf("persisted value mismatch: got %q", value)
	}
}

func TestFileStore_SnapshotMergeRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	driveKey := bytes.Repeat([]byte{5}, KeySize)

	source := NewFileStore(t.TempDir())
	if err := source.Put(ctx, driveKey, "a", []byte("one"), time.Now()); err != nil {
		t.Fatalf("Put(a) error = %v", err)
	}
	if err := source.Put(ctx, driveKey, "b", []byte("two"), time.Now()); err != nil {
		t.Fatalf("Put(b) error = %v", err)
	}
	snap, err := source.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	target := NewFileStore(t.TempDir())
	applied, err := target.Merge(ctx, snap)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if applied != 2 {
		t.Fatalf("Merge() applied = %d, want 2", applied)
	}
	value, ok, err := target.Get(ctx, driveKey, "b")
	if err != nil || !ok {
		t.Fatalf("Get(b) = ok=%v err=%v", ok, err)
	}
	if string(value) != "two" {
		t.Fatalf("merged value mismatch: got %q", value)
	}
}
