// Package jobs runs repository mutations in the background so interactive
// commands return immediately. Its one customer today is task completion:
// the command enqueues the completion, the UI hides the task right away via
// the optimistic cache, and a worker confirms the write against the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

// ErrQueueFull reports that the background queue has no room. The caller
// falls back to doing the work synchronously.
var ErrQueueFull = errors.New("background job queue is full")

// Config tunes the runner.
type Config struct {
	// QueueSize bounds the number of jobs awaiting a worker (default 64).
	QueueSize int
	// Workers is the number of worker goroutines (default 1).
	Workers int
	// CacheTTL is how long an unconfirmed completion stays hidden from
	// list views before it reappears (default 30s).
	CacheTTL time.Duration
	// Logger defaults to a silent logger.
	Logger *log.Logger
}

type job struct {
	kind model.Kind
	id   string
}

// Runner owns the queue, the workers, and the optimistic cache.
type Runner struct {
	repo store.Repository
	cfg  Config

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	inFly  sync.WaitGroup

	mu     sync.Mutex
	closed bool
	hidden map[string]time.Time
}

// New creates a runner over repo. Call Start before enqueueing.
func New(repo store.Repository, cfg Config) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "[jobs] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		hidden: make(map[string]time.Time),
	}
}

// Start launches the workers.
func (r *Runner) Start() {
	r.wg.Add(r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		go r.worker()
	}
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	r.wg.Wait()
	r.cancel()
}

// Flush blocks until every queued job has been processed. Used by tests and
// by commands that need confirmation before exiting.
func (r *Runner) Flush() {
	r.inFly.Wait()
}

// CompleteAsync queues a task completion. The task disappears from list
// views immediately; the store write happens on a worker.
func (r *Runner) CompleteAsync(taskID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("runner is stopped")
	}
	r.hidden[taskID] = time.Now().Add(r.cfg.CacheTTL)
	r.mu.Unlock()

	r.inFly.Add(1)
	select {
	case r.queue <- job{kind: model.KindTask, id: taskID}:
		return nil
	default:
		r.inFly.Done()
		r.unhide(taskID)
		return ErrQueueFull
	}
}

// Suppressed reports whether a task should be hidden from list output: its
// completion is queued or recently unconfirmed. Expired entries reappear so
// a lost write never hides a task forever.
func (r *Runner) Suppressed(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.hidden[taskID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(r.hidden, taskID)
		return false
	}
	return true
}

func (r *Runner) unhide(taskID string) {
	r.mu.Lock()
	delete(r.hidden, taskID)
	r.mu.Unlock()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		if err := r.complete(j.id); err != nil {
			r.cfg.Logger.Printf("WARNING: background completion of %s failed: %v", j.id, err)
		}
		r.unhide(j.id)
		r.inFly.Done()
	}
}

// complete marks one task done, retrying the compare-and-swap if the task
// changed underneath us.
func (r *Runner) complete(taskID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		entity, err := r.repo.GetByID(r.ctx, model.KindTask, taskID)
		if err != nil {
			return err
		}
		task, ok := entity.(*model.Task)
		if !ok {
			return fmt.Errorf("entity %s is not a task", taskID)
		}
		if task.Completed || task.Deleted {
			return nil
		}
		done := task.Clone().(*model.Task)
		done.Completed = true
		now := time.Now().UTC()
		done.CompletedAt = &now

		_, err = r.repo.Update(r.ctx, done, task.Version)
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up completing %s after repeated conflicts", taskID)
}
