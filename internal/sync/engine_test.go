package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
	"github.com/todopro/todopro/internal/store/sqlite"
)

// fakeRemote is an in-memory Repository standing in for the HTTP service.
// It mimics the server's contract: upsert-by-id creates, version
// compare-and-swap with adopt-higher semantics, and an append-only change
// feed with integer cursors. Failures can be injected per entity id.
type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]model.Entity
	changes  []string
	fail     map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities: make(map[string]model.Entity),
		fail:     make(map[string]int),
	}
}

func (f *fakeRemote) failNext(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = n
}

func (f *fakeRemote) injected(id string) error {
	if n := f.fail[id]; n > 0 {
		f.fail[id] = n - 1
		return &store.NetworkError{Op: "fake " + id, Cause: errors.New("injected failure")}
	}
	return nil
}

// seed places an entity directly, bypassing the repository contract, the way
// another client's writes would appear.
func (f *fakeRemote) seed(e model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.EntityID()] = e.Clone()
	f.changes = append(f.changes, e.EntityID())
}

func (f *fakeRemote) get(id string) model.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entities[id]; ok {
		return e.Clone()
	}
	return nil
}

func (f *fakeRemote) GetAll(ctx context.Context, kind model.Kind, filter store.Filter) ([]model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Entity
	for _, e := range f.entities {
		if e.Kind() != kind {
			continue
		}
		if e.SyncMeta().Deleted && !filter.IncludeDeleted {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (f *fakeRemote) GetByID(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(id); err != nil {
		return nil, err
	}
	e, ok := f.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (f *fakeRemote) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(e.EntityID()); err != nil {
		return nil, err
	}
	if existing, ok := f.entities[e.EntityID()]; ok {
		// Retried create; the first attempt landed.
		return existing.Clone(), nil
	}
	stored := e.Clone()
	if stored.SyncMeta().Version < 1 {
		stored.SyncMeta().Version = 1
	}
	f.entities[stored.EntityID()] = stored
	f.changes = append(f.changes, stored.EntityID())
	return stored.Clone(), nil
}

func (f *fakeRemote) Update(ctx context.Context, e model.Entity, expectedVersion int) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(e.EntityID()); err != nil {
		return nil, err
	}
	cur, ok := f.entities[e.EntityID()]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur.SyncMeta().Version != expectedVersion {
		return nil, &store.ConflictError{
			Kind: e.Kind(), ID: e.EntityID(),
			ExpectedVersion: expectedVersion,
			Current:         cur.Clone(),
		}
	}
	stored := e.Clone()
	next := cur.SyncMeta().Version + 1
	if stored.SyncMeta().Version > next {
		next = stored.SyncMeta().Version
	}
	stored.SyncMeta().Version = next
	f.entities[stored.EntityID()] = stored
	f.changes = append(f.changes, stored.EntityID())
	return stored.Clone(), nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, kind model.Kind, id string, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(id); err != nil {
		return err
	}
	cur, ok := f.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	if cur.SyncMeta().Version != expectedVersion {
		return &store.ConflictError{
			Kind: kind, ID: id,
			ExpectedVersion: expectedVersion,
			Current:         cur.Clone(),
		}
	}
	if cur.SyncMeta().Deleted {
		return nil
	}
	tombstone := cur.Clone()
	tombstone.SyncMeta().Deleted = true
	tombstone.SyncMeta().Version++
	tombstone.SyncMeta().Touch()
	f.entities[id] = tombstone
	f.changes = append(f.changes, id)
	return nil
}

func (f *fakeRemote) ChangesSince(ctx context.Context, cursor string) ([]model.Entity, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	since := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", err
		}
		since = n
	}

	latest := make(map[string]int)
	for i, id := range f.changes {
		seq := i + 1
		if seq > since {
			latest[id] = seq
		}
	}
	type change struct {
		id  string
		seq int
	}
	var ordered []change
	for id, seq := range latest {
		ordered = append(ordered, change{id, seq})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	var out []model.Entity
	for _, c := range ordered {
		out = append(out, f.entities[c.id].Clone())
	}
	return out, strconv.Itoa(len(f.changes)), nil
}

func (f *fakeRemote) Close() error { return nil }

func testEngine(t *testing.T, mod func(*Config)) (*Engine, store.SyncRepository, *fakeRemote) {
	t.Helper()
	local, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"), "local")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	remote := newFakeRemote()
	cfg := Config{
		Local:      local,
		Remote:     remote,
		LocalName:  "local",
		RemoteName: "cloud",
		Logger:     log.New(io.Discard, "[sync] ", 0),
		RetryDelay: time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg), local, remote
}

func mustCreateTask(t *testing.T, repo store.Repository, content string) *model.Task {
	t.Helper()
	created, err := repo.Create(context.Background(), model.NewTask(content))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created.(*model.Task)
}

func mustSync(t *testing.T, e *Engine) Summary {
	t.Helper()
	s, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return s
}

func TestSyncPushesLocalCreates(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	t1 := mustCreateTask(t, local, "first")
	t2 := mustCreateTask(t, local, "second")

	s := mustSync(t, engine)
	if s.Push.Created != 2 {
		t.Fatalf("push created = %d, want 2", s.Push.Created)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		got := remote.get(id)
		if got == nil {
			t.Fatalf("task %s never reached the remote", id)
		}
		if got.SyncMeta().Version != 1 {
			t.Fatalf("remote version = %d, want 1", got.SyncMeta().Version)
		}
	}
}

func TestSecondSyncIsIdempotent(t *testing.T) {
	engine, local, _ := testEngine(t, nil)
	mustCreateTask(t, local, "only once")
	mustSync(t, engine)

	s := mustSync(t, engine)
	if applied := s.Pull.Applied() + s.Push.Applied(); applied != 0 {
		t.Fatalf("second sync applied %d changes, want 0", applied)
	}
	if s.Pull.Conflicts+s.Push.Conflicts != 0 {
		t.Fatalf("second sync reported conflicts: %+v", s)
	}
}

func TestPullCreatesLocalCopy(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	task := model.NewTask("from another device")
	task.Version = 3
	remote.seed(task)

	s := mustSync(t, engine)
	if s.Pull.Created != 1 {
		t.Fatalf("pull created = %d, want 1", s.Pull.Created)
	}
	got, err := local.GetByID(context.Background(), model.KindTask, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SyncMeta().Version != 3 {
		t.Fatalf("local version = %d, want the remote's 3", got.SyncMeta().Version)
	}
	if got.SyncMeta().Origin != "cloud" {
		t.Fatalf("origin = %q, want the remote context name", got.SyncMeta().Origin)
	}
}

func TestConcurrentEditsMerge(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	task := mustCreateTask(t, local, "draft agenda")
	mustSync(t, engine)

	// Local edits the content while the remote bumps the priority.
	edit := task.Clone().(*model.Task)
	edit.Content = "draft agenda for standup"
	if _, err := local.Update(context.Background(), edit, 1); err != nil {
		t.Fatalf("local Update: %v", err)
	}
	remoteCopy := remote.get(task.ID).(*model.Task)
	remoteCopy.Priority = 4
	if _, err := remote.Update(context.Background(), remoteCopy, 1); err != nil {
		t.Fatalf("remote Update: %v", err)
	}

	s := mustSync(t, engine)
	if s.Pull.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", s.Pull.Conflicts)
	}

	localGot, err := local.GetByID(context.Background(), model.KindTask, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	remoteGot := remote.get(task.ID)
	for name, got := range map[string]*model.Task{
		"local":  localGot.(*model.Task),
		"remote": remoteGot.(*model.Task),
	} {
		if got.Content != "draft agenda for standup" {
			t.Fatalf("%s content = %q, lost the local edit", name, got.Content)
		}
		if got.Priority != 4 {
			t.Fatalf("%s priority = %d, lost the remote edit", name, got.Priority)
		}
		if got.Version != 3 {
			t.Fatalf("%s version = %d, want max(2,2)+1 = 3", name, got.Version)
		}
	}

	// Converged: the next sync has nothing to do.
	s = mustSync(t, engine)
	if applied := s.Pull.Applied() + s.Push.Applied() + s.Pull.Conflicts + s.Push.Conflicts; applied != 0 {
		t.Fatalf("stores did not converge, third sync did %d things", applied)
	}
}

func TestLocalWinsPolicy(t *testing.T) {
	engine, local, remote := testEngine(t, func(cfg *Config) {
		cfg.Policy = PolicyLocalWins
	})
	task := mustCreateTask(t, local, "original")
	mustSync(t, engine)

	edit := task.Clone().(*model.Task)
	edit.Content = "local wording"
	if _, err := local.Update(context.Background(), edit, 1); err != nil {
		t.Fatalf("local Update: %v", err)
	}
	remoteCopy := remote.get(task.ID).(*model.Task)
	remoteCopy.Content = "remote wording"
	if _, err := remote.Update(context.Background(), remoteCopy, 1); err != nil {
		t.Fatalf("remote Update: %v", err)
	}

	mustSync(t, engine)
	if got := remote.get(task.ID).(*model.Task).Content; got != "local wording" {
		t.Fatalf("remote content = %q, want the local copy to win", got)
	}
}

func TestLocalDeleteWinsOverRemoteEdit(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	task := mustCreateTask(t, local, "obsolete")
	mustSync(t, engine)

	if err := local.SoftDelete(context.Background(), model.KindTask, task.ID, 1); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	remoteCopy := remote.get(task.ID).(*model.Task)
	remoteCopy.Content = "still being edited"
	if _, err := remote.Update(context.Background(), remoteCopy, 1); err != nil {
		t.Fatalf("remote Update: %v", err)
	}

	s := mustSync(t, engine)
	if s.Push.Deleted != 1 {
		t.Fatalf("push deleted = %d, want 1", s.Push.Deleted)
	}
	if got := remote.get(task.ID); !got.SyncMeta().Deleted {
		t.Fatal("remote copy survived a concurrent local deletion")
	}
}

func TestRemoteDeleteWinsOverLocalEdit(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	task := mustCreateTask(t, local, "doomed")
	mustSync(t, engine)

	edit := task.Clone().(*model.Task)
	edit.Content = "last words"
	if _, err := local.Update(context.Background(), edit, 1); err != nil {
		t.Fatalf("local Update: %v", err)
	}
	if err := remote.SoftDelete(context.Background(), model.KindTask, task.ID, 1); err != nil {
		t.Fatalf("remote SoftDelete: %v", err)
	}

	s := mustSync(t, engine)
	if s.Pull.Deleted != 1 {
		t.Fatalf("pull deleted = %d, want 1", s.Pull.Deleted)
	}
	got, err := local.GetByID(context.Background(), model.KindTask, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.SyncMeta().Deleted {
		t.Fatal("local copy survived a remote deletion")
	}
}

func TestFailureIsolationAndRedelivery(t *testing.T) {
	engine, local, remote := testEngine(t, nil)
	t1 := mustCreateTask(t, local, "will fail")
	t2 := mustCreateTask(t, local, "will succeed")
	remote.failNext(t1.ID, 100)

	s := mustSync(t, engine)
	if s.Push.Failed != 1 || s.Push.Created != 1 {
		t.Fatalf("summary = %+v, want one failure and one create", s.Push)
	}
	if s.Pending != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending)
	}
	if remote.get(t2.ID) == nil {
		t.Fatal("the healthy entity was held hostage by the failing one")
	}

	// Remote recovers; the queued change is redelivered even though the
	// cursor moved past it.
	remote.failNext(t1.ID, 0)
	s = mustSync(t, engine)
	if s.Push.Created != 1 || !s.Clean() {
		t.Fatalf("redelivery summary = %+v, want one create and a clean run", s)
	}
	if remote.get(t1.ID) == nil {
		t.Fatal("queued change never reached the remote")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	dry, local, remote := testEngine(t, func(cfg *Config) {
		cfg.DryRun = true
	})
	task := mustCreateTask(t, local, "preview me")

	s := mustSync(t, dry)
	if s.Push.Created != 1 {
		t.Fatalf("dry run reported %d creates, want 1", s.Push.Created)
	}
	if remote.get(task.ID) != nil {
		t.Fatal("dry run wrote to the remote")
	}

	// The cursor did not move either: a real engine over the same stores
	// still sees the change.
	real := New(Config{
		Local: local, Remote: remote,
		LocalName: "local", RemoteName: "cloud",
		Logger: log.New(io.Discard, "", 0), RetryDelay: time.Millisecond,
	})
	s = mustSync(t, real)
	if s.Push.Created != 1 {
		t.Fatalf("real sync after dry run created %d, want 1", s.Push.Created)
	}
}

func TestConflictJournal(t *testing.T) {
	journal := NewJournal(filepath.Join(t.TempDir(), "sync-conflicts.json"))
	engine, local, remote := testEngine(t, func(cfg *Config) {
		cfg.Journal = journal
	})
	task := mustCreateTask(t, local, "contested")
	mustSync(t, engine)

	edit := task.Clone().(*model.Task)
	edit.Content = "mine"
	if _, err := local.Update(context.Background(), edit, 1); err != nil {
		t.Fatalf("local Update: %v", err)
	}
	remoteCopy := remote.get(task.ID).(*model.Task)
	remoteCopy.Content = "theirs"
	if _, err := remote.Update(context.Background(), remoteCopy, 1); err != nil {
		t.Fatalf("remote Update: %v", err)
	}
	mustSync(t, engine)

	records, err := journal.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("journal has %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.EntityID != task.ID || rec.Resolution != "merged" || rec.MergedVersion != 3 {
		t.Fatalf("journal record = %+v", rec)
	}
}

func TestTombstonePurgedAfterCleanSync(t *testing.T) {
	engine, local, _ := testEngine(t, nil)
	task := mustCreateTask(t, local, "short-lived")
	mustSync(t, engine)

	if err := local.SoftDelete(context.Background(), model.KindTask, task.ID, 1); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	s := mustSync(t, engine)
	if s.Push.Deleted != 1 {
		t.Fatalf("push deleted = %d, want 1", s.Push.Deleted)
	}
	if s.Purged != 1 {
		t.Fatalf("purged = %d, want the propagated tombstone gone", s.Purged)
	}
	if _, err := local.GetByID(context.Background(), model.KindTask, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetByID after purge = %v, want ErrNotFound", err)
	}
}
