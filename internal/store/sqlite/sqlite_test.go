package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "todopro.db")
	s, err := Open(path, "local")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesInbox(t *testing.T) {
	s := testStore(t)

	e, err := s.GetByID(context.Background(), model.KindProject, model.InboxProjectID)
	if err != nil {
		t.Fatalf("GetByID(inbox) failed: %v", err)
	}
	inbox := e.(*model.Project)
	if inbox.Name != "Inbox" {
		t.Errorf("inbox name = %q", inbox.Name)
	}
	if inbox.Version != 1 {
		t.Errorf("inbox version = %d, want 1", inbox.Version)
	}

	// The inbox is not a synced change.
	changes, _, err := s.ChangesSince(context.Background(), "")
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("fresh store has %d changes, want 0", len(changes))
	}
}

func TestSecondOpenFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todopro.db")
	s, err := Open(path, "local")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := Open(path, "local"); !errors.Is(err, store.ErrStorageLocked) {
		t.Fatalf("second Open() = %v, want ErrStorageLocked", err)
	}

	// The lock is released on Close.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	s2, err := Open(path, "local")
	if err != nil {
		t.Fatalf("Open() after Close() failed: %v", err)
	}
	_ = s2.Close()
}

func TestCreateAssignsVersionAndID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := model.NewTask("write tests")
	task.ID = ""
	created, err := s.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.EntityID() == "" {
		t.Error("Create() did not assign an id")
	}
	if created.SyncMeta().Version != 1 {
		t.Errorf("version = %d, want 1", created.SyncMeta().Version)
	}
	if created.SyncMeta().Origin != "local" {
		t.Errorf("origin = %q, want local", created.SyncMeta().Origin)
	}
}

func TestCreateValidation(t *testing.T) {
	s := testStore(t)

	task := model.NewTask("")
	_, err := s.Create(context.Background(), task)
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create(empty content) = %v, want *ValidationError", err)
	}

	// Duplicate id is a validation failure, not corruption.
	ok := model.NewTask("first")
	if _, err := s.Create(context.Background(), ok); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	dup := model.NewTask("second")
	dup.ID = ok.ID
	if _, err := s.Create(context.Background(), dup); !errors.As(err, &verr) {
		t.Fatalf("Create(duplicate id) = %v, want *ValidationError", err)
	}
}

func TestUpdateCompareAndSwap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.NewTask("v1"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	edit := created.Clone().(*model.Task)
	edit.Content = "v2"
	edit.Touch()
	updated, err := s.Update(ctx, edit, 1)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.SyncMeta().Version != 2 {
		t.Errorf("version after update = %d, want 2", updated.SyncMeta().Version)
	}

	// Stale expected version loses and carries the stored copy.
	stale := created.Clone().(*model.Task)
	stale.Content = "stale edit"
	_, err = s.Update(ctx, stale, 1)
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Update(stale) = %v, want *ConflictError", err)
	}
	if conflict.Current == nil || conflict.Current.(*model.Task).Content != "v2" {
		t.Error("ConflictError does not carry the currently stored entity")
	}
}

func TestUpdateAdoptsHigherVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.NewTask("base"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// A merged copy carries version max(local, remote)+1; the store honors
	// it instead of plain increment.
	merged := created.Clone().(*model.Task)
	merged.Content = "merged"
	merged.Version = 7
	merged.Touch()
	stored, err := s.Update(ctx, merged, 1)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if stored.SyncMeta().Version != 7 {
		t.Errorf("version = %d, want 7", stored.SyncMeta().Version)
	}
}

func TestUpdatedAtNeverRegresses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.NewTask("x"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	first := created.SyncMeta().UpdatedAt

	// Apply an edit carrying an older timestamp, as a pull from a replica
	// with a lagging clock would.
	edit := created.Clone().(*model.Task)
	edit.Priority = 3
	edit.UpdatedAt = first.Add(-time.Hour)
	stored, err := s.Update(ctx, edit, 1)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !stored.SyncMeta().UpdatedAt.After(first) {
		t.Errorf("updated_at regressed: %v -> %v", first, stored.SyncMeta().UpdatedAt)
	}
}

func TestSoftDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.NewTask("doomed"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	id := created.EntityID()

	if err := s.SoftDelete(ctx, model.KindTask, id, 1); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	// Hidden from normal reads, visible by id and to sync.
	all, err := s.GetAll(ctx, model.KindTask, store.Filter{})
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("GetAll returned %d tasks after delete, want 0", len(all))
	}
	e, err := s.GetByID(ctx, model.KindTask, id)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if !e.SyncMeta().Deleted {
		t.Error("entity is not tombstoned")
	}
	if e.SyncMeta().Version != 2 {
		t.Errorf("tombstone version = %d, want 2", e.SyncMeta().Version)
	}

	// An edit with a version at or below the delete cannot resurrect it.
	revive := e.Clone().(*model.Task)
	revive.Deleted = false
	revive.Content = "back from the dead"
	var conflict *store.ConflictError
	if _, err := s.Update(ctx, revive, 2); !errors.As(err, &conflict) {
		t.Fatalf("resurrecting update = %v, want *ConflictError", err)
	}
}

func TestDeleteInboxRefused(t *testing.T) {
	s := testStore(t)
	err := s.SoftDelete(context.Background(), model.KindProject, model.InboxProjectID, 1)
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("SoftDelete(inbox) = %v, want ErrInvalidOperation", err)
	}
}

func TestChangesSince(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, model.NewTask("a"))
	b, _ := s.Create(ctx, model.NewTask("b"))

	changes, cursor, err := s.ChangesSince(ctx, "")
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].EntityID() != a.EntityID() || changes[1].EntityID() != b.EntityID() {
		t.Error("changes not in mutation order")
	}

	// No new mutations: empty delta, cursor stable.
	again, cursor2, err := s.ChangesSince(ctx, cursor)
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("got %d changes after cursor, want 0", len(again))
	}
	if cursor2 != cursor {
		t.Errorf("cursor moved without changes: %q -> %q", cursor, cursor2)
	}

	// An entity edited twice appears once, at its latest position, and a
	// tombstone is included.
	edit := a.Clone().(*model.Task)
	edit.Content = "a2"
	if _, err := s.Update(ctx, edit, 1); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := s.SoftDelete(ctx, model.KindTask, b.EntityID(), 1); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}
	changes, cursor3, err := s.ChangesSince(ctx, cursor)
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if !changes[1].SyncMeta().Deleted {
		t.Error("tombstone missing from change feed")
	}
	if cursor3 <= cursor {
		t.Errorf("cursor did not advance: %q -> %q", cursor, cursor3)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	pair := store.Pair{Local: "local", Remote: "work", Direction: "push"}

	cursor, err := s.Cursor(ctx, pair)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("fresh pair cursor = %q, want empty", cursor)
	}
	if err := s.SetCursor(ctx, pair, "42"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	cursor, _ = s.Cursor(ctx, pair)
	if cursor != "42" {
		t.Errorf("cursor = %q, want 42", cursor)
	}

	task := model.NewTask("shadowed")
	task.Version = 3
	if err := s.PutShadow(ctx, &store.Shadow{Entity: task, LocalVersion: 3, RemoteVersion: 5}); err != nil {
		t.Fatalf("PutShadow() failed: %v", err)
	}
	sh, err := s.Shadow(ctx, task.ID)
	if err != nil {
		t.Fatalf("Shadow() failed: %v", err)
	}
	if sh.RemoteVersion != 5 || sh.LocalVersion != 3 {
		t.Errorf("shadow versions = %d/%d, want 3/5", sh.LocalVersion, sh.RemoteVersion)
	}
	if sh.Entity.(*model.Task).Content != "shadowed" {
		t.Error("shadow payload lost the entity fields")
	}
	if err := s.DeleteShadow(ctx, task.ID); err != nil {
		t.Fatalf("DeleteShadow() failed: %v", err)
	}
	if _, err := s.Shadow(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Shadow() after delete = %v, want ErrNotFound", err)
	}

	p := store.PendingChange{Kind: model.KindTask, EntityID: "t1", Direction: "push", Reason: "network error"}
	if err := s.AddPending(ctx, p); err != nil {
		t.Fatalf("AddPending() failed: %v", err)
	}
	pending, err := s.Pending(ctx, "push")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].EntityID != "t1" {
		t.Fatalf("pending = %+v", pending)
	}
	if err := s.RemovePending(ctx, "push", "t1"); err != nil {
		t.Fatalf("RemovePending() failed: %v", err)
	}
	pending, _ = s.Pending(ctx, "push")
	if len(pending) != 0 {
		t.Errorf("pending after remove = %+v", pending)
	}
}

func TestPurgeTombstones(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	pair := store.Pair{Local: "local", Remote: "work", Direction: "push"}

	task, _ := s.Create(ctx, model.NewTask("going away"))
	if err := s.SoftDelete(ctx, model.KindTask, task.EntityID(), 1); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	// Not yet pushed: nothing to purge.
	n, err := s.PurgeTombstones(ctx, pair)
	if err != nil {
		t.Fatalf("PurgeTombstones() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d before any sync, want 0", n)
	}

	_, cursor, err := s.ChangesSince(ctx, "")
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if err := s.SetCursor(ctx, pair, cursor); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}

	n, err = s.PurgeTombstones(ctx, pair)
	if err != nil {
		t.Fatalf("PurgeTombstones() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.GetByID(ctx, model.KindTask, task.EntityID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID after purge = %v, want ErrNotFound", err)
	}
}
