package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vidcurate/curatord/internal/db"
)

func openRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestRepositoryTimestampRoundTrip(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	now := time.Now().UTC()
	if err := repo.Create(ctx, &Run{
		ID:        "run-1",
		Manifest:  "/corpus/manifest.jsonl",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps zero after round trip: created %v updated %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.CreatedAt.Before(before) || got.CreatedAt.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want near %v", got.CreatedAt, now)
	}

	if err := repo.UpdateStatus(ctx, "run-1", StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	updated, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if updated.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt zero after UpdateStatus")
	}
	if updated.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("UpdatedAt = %v before CreatedAt = %v", updated.UpdatedAt, got.CreatedAt)
	}

	if err := repo.UpdateCounters(ctx, "run-1", Counters{ClipsSeen: 3}); err != nil {
		t.Fatalf("UpdateCounters() error = %v", err)
	}
	counted, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if counted.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt zero after UpdateCounters")
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	repo := openRepository(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, &Run{
			ID:        id,
			Manifest:  "/corpus/manifest.jsonl",
			Status:    StatusCompleted,
			CreatedAt: ts,
			UpdatedAt: ts,
		}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	runs, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("List() returned %d runs, want 3", len(runs))
	}
	if runs[0].ID != "run-new" || runs[2].ID != "run-old" {
		t.Errorf("List() order = [%s %s %s], want newest first", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}
