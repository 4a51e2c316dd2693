// Package sync reconciles a local store with a remote one: push sends local
// changes out, pull applies remote changes, and a full sync runs pull then
// push. Conflict detection rides on the stores' version compare-and-swap;
// resolution is pluggable (merge, local-wins, remote-wins). All durable
// bookkeeping (cursors, shadow base copies, pending retries) lives in the
// local store, so the engine itself is stateless and crash-safe.
package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

const (
	// DirectionPush names the local-to-remote direction.
	DirectionPush = "push"
	// DirectionPull names the remote-to-local direction.
	DirectionPull = "pull"
)

// Counts tallies what one direction did.
type Counts struct {
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Conflicts int
	Failed    int
}

// Applied returns the number of entities actually written.
func (c Counts) Applied() int { return c.Created + c.Updated + c.Deleted }

// Summary is the result of a sync run.
type Summary struct {
	Pull     Counts
	Push     Counts
	Pending  int
	Purged   int
	Duration time.Duration
}

// Clean reports whether every change propagated: nothing failed and nothing
// is waiting for redelivery. Tombstone purging only happens after a clean run.
func (s Summary) Clean() bool {
	return s.Pull.Failed == 0 && s.Push.Failed == 0 && s.Pending == 0
}

// Config wires up an Engine.
type Config struct {
	Local  store.SyncRepository
	Remote store.Repository

	// LocalName and RemoteName identify the two contexts. They key the
	// persisted cursors and stamp the origin of applied changes.
	LocalName  string
	RemoteName string

	// Policy picks the conflict resolver. Defaults to PolicyMerge.
	Policy Policy

	// Journal records resolved conflicts. Nil disables journaling.
	Journal *Journal

	// Events receives progress notifications. Nil means none.
	Events Events

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger

	// DryRun reports what a sync would do without writing to either store.
	DryRun bool

	// Full ignores the saved cursors and reconciles everything from the
	// beginning. Used for recovery and after restoring a backup.
	Full bool

	// MaxRetries bounds attempts per entity on transient errors (default 3).
	MaxRetries int
	// RetryDelay is the base backoff between attempts (default 250ms).
	RetryDelay time.Duration
}

// Engine runs sync operations between one local and one remote store.
// It is not safe for concurrent use; run one sync at a time.
type Engine struct {
	cfg Config
}

// New creates an engine, applying defaults for unset optional fields.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "[sync] ", log.LstdFlags)
	}
	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyMerge
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) pair(direction string) store.Pair {
	return store.Pair{Local: e.cfg.LocalName, Remote: e.cfg.RemoteName, Direction: direction}
}

// applyCtx stamps changes the engine writes locally with the remote context
// name, so conflict diagnostics show where a value came from.
func (e *Engine) applyCtx(ctx context.Context) context.Context {
	return store.WithOrigin(ctx, e.cfg.RemoteName)
}

// Sync runs pull then push, purges propagated tombstones after a clean run,
// and returns the combined summary. A partial failure is not an error: it is
// reported in the summary and the failed entities are queued for redelivery.
func (e *Engine) Sync(ctx context.Context) (Summary, error) {
	start := time.Now()
	var s Summary
	var err error

	if s.Pull, err = e.Pull(ctx); err != nil {
		return s, err
	}
	if s.Push, err = e.Push(ctx); err != nil {
		return s, err
	}

	if s.Pending, err = e.pendingCount(ctx); err != nil {
		return s, err
	}

	if s.Clean() && !e.cfg.DryRun {
		purged, err := e.cfg.Local.PurgeTombstones(ctx, e.pair(DirectionPush))
		if err != nil {
			e.cfg.Logger.Printf("WARNING: tombstone purge failed: %v", err)
		} else if purged > 0 {
			e.cfg.Logger.Printf("Purged %d propagated tombstones", purged)
			s.Purged = purged
		}
	}

	s.Duration = time.Since(start)
	e.cfg.Logger.Printf("Sync complete: pulled=%d pushed=%d conflicts=%d failed=%d pending=%d (%s)",
		s.Pull.Applied(), s.Push.Applied(),
		s.Pull.Conflicts+s.Push.Conflicts,
		s.Pull.Failed+s.Push.Failed,
		s.Pending, s.Duration.Round(time.Millisecond))
	e.cfg.Events.SyncFinished(s)
	return s, nil
}

func (e *Engine) pendingCount(ctx context.Context) (int, error) {
	total := 0
	for _, direction := range []string{DirectionPush, DirectionPull} {
		pending, err := e.cfg.Local.Pending(ctx, direction)
		if err != nil {
			return 0, err
		}
		total += len(pending)
	}
	return total, nil
}

// Push sends local changes to the remote store. The cursor only advances
// once every change in the batch has been either applied or durably queued
// for redelivery, so a crash never loses a change.
func (e *Engine) Push(ctx context.Context) (Counts, error) {
	e.cfg.Events.SyncStarted(DirectionPush)
	var counts Counts

	if err := e.redeliverPush(ctx, &counts); err != nil {
		return counts, err
	}

	cursor := ""
	if !e.cfg.Full {
		var err error
		if cursor, err = e.cfg.Local.Cursor(ctx, e.pair(DirectionPush)); err != nil {
			return counts, err
		}
	}
	changes, next, err := e.cfg.Local.ChangesSince(ctx, cursor)
	if err != nil {
		return counts, err
	}
	e.cfg.Logger.Printf("Pushing %d local changes (cursor=%q)", len(changes), cursor)

	for _, entity := range changes {
		action, err := e.pushEntity(ctx, entity)
		if err != nil {
			counts.Failed++
			e.cfg.Logger.Printf("WARNING: push failed for %s %s: %v", entity.Kind(), entity.EntityID(), err)
			if qerr := e.queuePending(ctx, DirectionPush, entity, err); qerr != nil {
				// Without a durable redelivery record the cursor must not
				// move past this change.
				return counts, qerr
			}
			continue
		}
		counts.count(action)
		e.cfg.Events.EntitySynced(DirectionPush, entity.Kind(), entity.EntityID(), action)
	}

	if !e.cfg.DryRun && next != cursor {
		if err := e.cfg.Local.SetCursor(ctx, e.pair(DirectionPush), next); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// Pull applies remote changes to the local store.
func (e *Engine) Pull(ctx context.Context) (Counts, error) {
	e.cfg.Events.SyncStarted(DirectionPull)
	var counts Counts

	if err := e.redeliverPull(ctx, &counts); err != nil {
		return counts, err
	}

	cursor := ""
	if !e.cfg.Full {
		var err error
		if cursor, err = e.cfg.Local.Cursor(ctx, e.pair(DirectionPull)); err != nil {
			return counts, err
		}
	}

	var changes []model.Entity
	var next string
	err := e.retry(ctx, "fetch remote changes", func() error {
		var ferr error
		changes, next, ferr = e.cfg.Remote.ChangesSince(ctx, cursor)
		return ferr
	})
	if err != nil {
		return counts, err
	}
	e.cfg.Logger.Printf("Pulling %d remote changes (cursor=%q)", len(changes), cursor)

	for _, entity := range changes {
		action, err := e.pullEntity(ctx, entity)
		if err != nil {
			counts.Failed++
			e.cfg.Logger.Printf("WARNING: pull failed for %s %s: %v", entity.Kind(), entity.EntityID(), err)
			if qerr := e.queuePending(ctx, DirectionPull, entity, err); qerr != nil {
				return counts, qerr
			}
			continue
		}
		counts.count(action)
		e.cfg.Events.EntitySynced(DirectionPull, entity.Kind(), entity.EntityID(), action)
	}

	if !e.cfg.DryRun && next != "" && next != cursor {
		if err := e.cfg.Local.SetCursor(ctx, e.pair(DirectionPull), next); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (c *Counts) count(action string) {
	switch action {
	case "created":
		c.Created++
	case "updated":
		c.Updated++
	case "deleted":
		c.Deleted++
	case "conflict":
		c.Conflicts++
	default:
		c.Skipped++
	}
}

func (e *Engine) queuePending(ctx context.Context, direction string, entity model.Entity, cause error) error {
	if e.cfg.DryRun {
		return nil
	}
	return e.cfg.Local.AddPending(ctx, store.PendingChange{
		Kind:      entity.Kind(),
		EntityID:  entity.EntityID(),
		Direction: direction,
		Reason:    cause.Error(),
	})
}

// redeliverPush retries changes whose push failed in an earlier run.
func (e *Engine) redeliverPush(ctx context.Context, counts *Counts) error {
	pending, err := e.cfg.Local.Pending(ctx, DirectionPush)
	if err != nil {
		return err
	}
	for _, p := range pending {
		entity, err := e.cfg.Local.GetByID(ctx, p.Kind, p.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.resolvePending(ctx, DirectionPush, p.EntityID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		action, err := e.pushEntity(ctx, entity)
		if err != nil {
			counts.Failed++
			e.cfg.Logger.Printf("WARNING: redelivery failed for %s %s: %v", p.Kind, p.EntityID, err)
			continue
		}
		counts.count(action)
		e.cfg.Events.EntitySynced(DirectionPush, p.Kind, p.EntityID, action)
		if err := e.resolvePending(ctx, DirectionPush, p.EntityID); err != nil {
			return err
		}
	}
	return nil
}

// redeliverPull re-fetches entities whose earlier pull failed and applies
// them again.
func (e *Engine) redeliverPull(ctx context.Context, counts *Counts) error {
	pending, err := e.cfg.Local.Pending(ctx, DirectionPull)
	if err != nil {
		return err
	}
	for _, p := range pending {
		var entity model.Entity
		err := e.retry(ctx, "fetch "+p.EntityID, func() error {
			var ferr error
			entity, ferr = e.cfg.Remote.GetByID(ctx, p.Kind, p.EntityID)
			return ferr
		})
		if errors.Is(err, store.ErrNotFound) {
			if err := e.resolvePending(ctx, DirectionPull, p.EntityID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			counts.Failed++
			e.cfg.Logger.Printf("WARNING: redelivery fetch failed for %s %s: %v", p.Kind, p.EntityID, err)
			continue
		}
		action, err := e.pullEntity(ctx, entity)
		if err != nil {
			counts.Failed++
			e.cfg.Logger.Printf("WARNING: redelivery failed for %s %s: %v", p.Kind, p.EntityID, err)
			continue
		}
		counts.count(action)
		e.cfg.Events.EntitySynced(DirectionPull, p.Kind, p.EntityID, action)
		if err := e.resolvePending(ctx, DirectionPull, p.EntityID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolvePending(ctx context.Context, direction, id string) error {
	if e.cfg.DryRun {
		return nil
	}
	return e.cfg.Local.RemovePending(ctx, direction, id)
}

// pushEntity sends one local entity to the remote store.
func (e *Engine) pushEntity(ctx context.Context, entity model.Entity) (string, error) {
	kind, id := entity.Kind(), entity.EntityID()
	localVersion := entity.SyncMeta().Version

	shadow, err := e.shadowFor(ctx, id)
	if err != nil {
		return "", err
	}
	// The remote already acknowledged this exact state; usually the echo of
	// a change the engine itself applied during pull.
	if shadow != nil && shadow.LocalVersion == localVersion {
		return "skipped", nil
	}

	if entity.SyncMeta().Deleted {
		return e.pushTombstone(ctx, kind, id)
	}

	if shadow == nil {
		remoteCur, err := e.remoteGet(ctx, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			if e.cfg.DryRun {
				return "created", nil
			}
			var created model.Entity
			err := e.retry(ctx, "create "+id, func() error {
				var cerr error
				created, cerr = e.cfg.Remote.Create(ctx, entity.Clone())
				return cerr
			})
			if err != nil {
				return "", err
			}
			if err := e.saveShadow(ctx, entity, localVersion, created.SyncMeta().Version); err != nil {
				return "", err
			}
			return "created", nil
		}
		if err != nil {
			return "", err
		}
		// Both sides created the entity independently under the same id.
		return e.resolveConflict(ctx, nil, entity, remoteCur)
	}

	if e.cfg.DryRun {
		remoteCur, err := e.remoteGet(ctx, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return "created", nil
		}
		if err != nil {
			return "", err
		}
		if remoteCur.SyncMeta().Version != shadow.RemoteVersion {
			return "conflict", nil
		}
		return "updated", nil
	}

	var updated model.Entity
	err = e.retry(ctx, "update "+id, func() error {
		var uerr error
		updated, uerr = e.cfg.Remote.Update(ctx, entity.Clone(), shadow.RemoteVersion)
		return uerr
	})
	var conflict *store.ConflictError
	if errors.As(err, &conflict) && conflict.Current != nil {
		return e.resolveConflict(ctx, shadow.Entity, entity, conflict.Current)
	}
	if err != nil {
		return "", err
	}
	if err := e.saveShadow(ctx, entity, localVersion, updated.SyncMeta().Version); err != nil {
		return "", err
	}
	return "updated", nil
}

// pushTombstone propagates a local deletion. Deletion takes precedence over
// any concurrent remote edit, so a version race is resolved by re-reading
// and deleting again.
func (e *Engine) pushTombstone(ctx context.Context, kind model.Kind, id string) (string, error) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		remoteCur, err := e.remoteGet(ctx, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return "skipped", e.dropShadow(ctx, id)
		}
		if err != nil {
			return "", err
		}
		if remoteCur.SyncMeta().Deleted {
			return "skipped", e.dropShadow(ctx, id)
		}
		if e.cfg.DryRun {
			return "deleted", nil
		}
		err = e.retry(ctx, "delete "+id, func() error {
			return e.cfg.Remote.SoftDelete(ctx, kind, id, remoteCur.SyncMeta().Version)
		})
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return "deleted", e.dropShadow(ctx, id)
	}
	return "", &store.ConflictError{Kind: kind, ID: id}
}

// pullEntity applies one remote entity to the local store.
func (e *Engine) pullEntity(ctx context.Context, remote model.Entity) (string, error) {
	kind, id := remote.Kind(), remote.EntityID()
	remoteVersion := remote.SyncMeta().Version

	local, err := e.cfg.Local.GetByID(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		if remote.SyncMeta().Deleted {
			return "skipped", nil
		}
		if e.cfg.DryRun {
			return "created", nil
		}
		return e.createLocal(ctx, remote)
	}
	if err != nil {
		return "", err
	}

	shadow, err := e.shadowFor(ctx, id)
	if err != nil {
		return "", err
	}
	// Already acknowledged at this version; the echo of our own push.
	if shadow != nil && shadow.RemoteVersion == remoteVersion && !remote.SyncMeta().Deleted {
		return "skipped", nil
	}

	if remote.SyncMeta().Deleted {
		if local.SyncMeta().Deleted {
			return "skipped", e.dropShadow(ctx, id)
		}
		if e.cfg.DryRun {
			return "deleted", nil
		}
		// Deletion wins over any local edit.
		if err := e.cfg.Local.SoftDelete(e.applyCtx(ctx), kind, id, local.SyncMeta().Version); err != nil {
			return "", err
		}
		return "deleted", e.dropShadow(ctx, id)
	}

	if local.SyncMeta().Deleted {
		// Local tombstone outranks the remote edit; the push phase will
		// propagate the deletion.
		return "skipped", nil
	}

	localChanged := shadow == nil || shadow.LocalVersion != local.SyncMeta().Version
	if localChanged {
		var base model.Entity
		if shadow != nil {
			base = shadow.Entity
		}
		return e.resolveConflict(ctx, base, local, remote)
	}

	if e.cfg.DryRun {
		return "updated", nil
	}
	stored, err := e.cfg.Local.Update(e.applyCtx(ctx), remote.Clone(), local.SyncMeta().Version)
	if err != nil {
		return "", err
	}
	if err := e.saveShadow(ctx, remote, stored.SyncMeta().Version, remoteVersion); err != nil {
		return "", err
	}
	return "updated", nil
}

// createLocal applies a remote creation, carrying the remote version over so
// both stores hold the same token afterwards.
func (e *Engine) createLocal(ctx context.Context, remote model.Entity) (string, error) {
	created, err := e.cfg.Local.Create(e.applyCtx(ctx), remote.Clone())
	if err != nil {
		return "", err
	}
	localVersion := created.SyncMeta().Version
	remoteVersion := remote.SyncMeta().Version
	if remoteVersion > localVersion {
		carried := remote.Clone()
		stored, err := e.cfg.Local.Update(e.applyCtx(ctx), carried, localVersion)
		if err != nil {
			return "", err
		}
		localVersion = stored.SyncMeta().Version
	}
	if err := e.saveShadow(ctx, remote, localVersion, remoteVersion); err != nil {
		return "", err
	}
	return "created", nil
}

// resolveConflict settles concurrent edits of one entity and writes the
// resolution to both stores. The merged copy carries a version strictly
// above both inputs so neither store regresses.
func (e *Engine) resolveConflict(ctx context.Context, base, local, remote model.Entity) (string, error) {
	kind, id := local.Kind(), local.EntityID()
	localVersion := local.SyncMeta().Version
	remoteVersion := remote.SyncMeta().Version

	rec := ConflictRecord{
		Kind:          kind,
		EntityID:      id,
		Policy:        e.cfg.Policy,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
	}

	switch {
	case remote.SyncMeta().Deleted:
		rec.Resolution = "deleted"
		if !e.cfg.DryRun {
			if err := e.cfg.Local.SoftDelete(e.applyCtx(ctx), kind, id, localVersion); err != nil {
				return "", err
			}
			if err := e.dropShadow(ctx, id); err != nil {
				return "", err
			}
		}
	case local.SyncMeta().Deleted:
		rec.Resolution = "deleted"
		if !e.cfg.DryRun {
			if _, err := e.pushTombstone(ctx, kind, id); err != nil {
				return "", err
			}
		}
	default:
		var merged model.Entity
		var err error
		switch e.cfg.Policy {
		case PolicyLocalWins:
			merged = local.Clone()
			rec.Resolution = "local"
		case PolicyRemoteWins:
			merged = remote.Clone()
			rec.Resolution = "remote"
		default:
			if merged, err = mergeEntities(base, local, remote); err != nil {
				return "", err
			}
			rec.Resolution = "merged"
		}

		next := localVersion
		if remoteVersion > next {
			next = remoteVersion
		}
		merged.SyncMeta().Version = next + 1
		rec.MergedVersion = merged.SyncMeta().Version

		if !e.cfg.DryRun {
			var storedRemote model.Entity
			err := e.retry(ctx, "resolve "+id, func() error {
				var uerr error
				storedRemote, uerr = e.cfg.Remote.Update(ctx, merged.Clone(), remoteVersion)
				return uerr
			})
			if err != nil {
				return "", err
			}
			storedLocal, err := e.cfg.Local.Update(e.applyCtx(ctx), merged.Clone(), localVersion)
			if err != nil {
				return "", err
			}
			if err := e.saveShadow(ctx, merged, storedLocal.SyncMeta().Version, storedRemote.SyncMeta().Version); err != nil {
				return "", err
			}
		}
	}

	e.cfg.Logger.Printf("Resolved conflict on %s %s: %s (local v%d, remote v%d)",
		kind, id, rec.Resolution, localVersion, remoteVersion)
	if !e.cfg.DryRun {
		if err := e.cfg.Journal.Append(rec); err != nil {
			e.cfg.Logger.Printf("WARNING: failed to journal conflict: %v", err)
		}
	}
	e.cfg.Events.ConflictResolved(rec)
	return "conflict", nil
}

func (e *Engine) shadowFor(ctx context.Context, id string) (*store.Shadow, error) {
	shadow, err := e.cfg.Local.Shadow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return shadow, nil
}

func (e *Engine) saveShadow(ctx context.Context, entity model.Entity, localVersion, remoteVersion int) error {
	if e.cfg.DryRun {
		return nil
	}
	return e.cfg.Local.PutShadow(ctx, &store.Shadow{
		Entity:        entity.Clone(),
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
	})
}

func (e *Engine) dropShadow(ctx context.Context, id string) error {
	if e.cfg.DryRun {
		return nil
	}
	return e.cfg.Local.DeleteShadow(ctx, id)
}

func (e *Engine) remoteGet(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	var entity model.Entity
	err := e.retry(ctx, "fetch "+id, func() error {
		var gerr error
		entity, gerr = e.cfg.Remote.GetByID(ctx, kind, id)
		return gerr
	})
	return entity, err
}

// retry reruns fn on transient errors with linear backoff. Permanent errors
// (conflicts, validation, not-found) return immediately.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.cfg.Logger.Printf("WARNING: retrying %s after transient error: %v", op, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if err = fn(); err == nil || !store.IsTransient(err) {
			return err
		}
	}
	return err
}
