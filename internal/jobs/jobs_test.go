package jobs

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
	"github.com/todopro/todopro/internal/store/sqlite"
)

func testRunner(t *testing.T, cfg Config) (*Runner, store.Repository) {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"), "local")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg.Logger = log.New(io.Discard, "", 0)
	r := New(repo, cfg)
	r.Start()
	t.Cleanup(r.Stop)
	return r, repo
}

func TestCompleteAsyncConfirms(t *testing.T) {
	r, repo := testRunner(t, Config{})
	task, err := repo.Create(context.Background(), model.NewTask("background me"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.CompleteAsync(task.EntityID()); err != nil {
		t.Fatalf("CompleteAsync: %v", err)
	}
	if !r.Suppressed(task.EntityID()) {
		t.Fatal("task not suppressed while its completion is in flight")
	}
	r.Flush()

	got, err := repo.GetByID(context.Background(), model.KindTask, task.EntityID())
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	done := got.(*model.Task)
	if !done.Completed || done.CompletedAt == nil {
		t.Fatalf("task not completed after flush: %+v", done)
	}
	if r.Suppressed(task.EntityID()) {
		t.Fatal("task still suppressed after the write was confirmed")
	}
}

func TestCompleteAsyncIdempotent(t *testing.T) {
	r, repo := testRunner(t, Config{})
	task, err := repo.Create(context.Background(), model.NewTask("twice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.CompleteAsync(task.EntityID()); err != nil {
		t.Fatalf("CompleteAsync: %v", err)
	}
	r.Flush()
	if err := r.CompleteAsync(task.EntityID()); err != nil {
		t.Fatalf("second CompleteAsync: %v", err)
	}
	r.Flush()

	got, err := repo.GetByID(context.Background(), model.KindTask, task.EntityID())
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	// Completing twice bumps the version once.
	if got.SyncMeta().Version != 2 {
		t.Fatalf("version = %d, want 2", got.SyncMeta().Version)
	}
}

func TestSuppressionExpires(t *testing.T) {
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"), "local")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	// No workers started: the completion never confirms, only the TTL runs.
	r := New(repo, Config{CacheTTL: 10 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	if err := r.CompleteAsync("ghost"); err != nil {
		t.Fatalf("CompleteAsync: %v", err)
	}
	if !r.Suppressed("ghost") {
		t.Fatal("task not suppressed right after enqueue")
	}
	time.Sleep(20 * time.Millisecond)
	if r.Suppressed("ghost") {
		t.Fatal("suppression did not expire; an unconfirmed task would be hidden forever")
	}
}

func TestQueueFull(t *testing.T) {
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"), "local")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	// No workers draining a size-1 queue.
	r := New(repo, Config{QueueSize: 1, Logger: log.New(io.Discard, "", 0)})
	if err := r.CompleteAsync("a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := r.CompleteAsync("b"); err != ErrQueueFull {
		t.Fatalf("second enqueue = %v, want ErrQueueFull", err)
	}
	// The rejected job must not stay hidden.
	if r.Suppressed("b") {
		t.Fatal("rejected job left suppressed")
	}
}
