// Package store defines the repository contract shared by the local SQLite
// store and the remote HTTP store, the error taxonomy both map into, and
// the encrypting decorator that applies field encryption transparently to
// either backend.
package store

import (
	"context"
	"time"

	"github.com/todopro/todopro/internal/model"
)

// Filter narrows GetAll results. Zero values mean "no constraint".
type Filter struct {
	// ProjectID restricts tasks to one project.
	ProjectID string
	// LabelID restricts tasks to those carrying a label.
	LabelID string
	// Completed filters tasks by completion state when non-nil.
	Completed *bool
	// Priority filters tasks by exact priority (0 = all).
	Priority int
	// IncludeDeleted also returns tombstoned entities. Only the sync
	// engine and tests set this; user-facing reads never see tombstones.
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Repository is the abstract contract over {local, remote} backends.
//
// All writes are synchronous: when Create/Update/SoftDelete return, the
// mutation is durable in that backend. Remote calls are idempotent-safe to
// retry (creates carry the client-generated id, updates are guarded by
// expectedVersion).
type Repository interface {
	// GetAll returns all non-tombstoned entities of kind matching filter,
	// ordered by creation time.
	GetAll(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error)

	// GetByID returns a single entity, tombstoned or not.
	// Returns ErrNotFound if no such entity exists.
	GetByID(ctx context.Context, kind model.Kind, id string) (model.Entity, error)

	// Create stores a new entity. The id is assigned if absent and the
	// version initialized to 1. Returns *ValidationError on constraint
	// violations such as empty content.
	Create(ctx context.Context, e model.Entity) (model.Entity, error)

	// Update replaces the stored entity if and only if its version still
	// equals expectedVersion. A mismatch returns *ConflictError carrying
	// the currently stored entity. The stored version advances to
	// stored+1, or to e's own version when that is higher; merged copies
	// carry a version computed by the resolution policy and it must never
	// regress.
	Update(ctx context.Context, e model.Entity, expectedVersion int) (model.Entity, error)

	// SoftDelete tombstones an entity under the same compare-and-swap rule
	// as Update. Deletions are never physical until the tombstone has been
	// propagated and purged.
	SoftDelete(ctx context.Context, kind model.Kind, id string, expectedVersion int) error

	// ChangesSince enumerates every entity (tombstones included) mutated
	// after the opaque cursor, in stable cursor order, and returns the new
	// cursor. An empty cursor means "from the beginning". Used only by the
	// sync engine.
	ChangesSince(ctx context.Context, cursor string) ([]model.Entity, string, error)

	// Close releases the backend connection and any held locks.
	Close() error
}

// Pair names one sync relationship and direction. Cursors and pending
// changes are persisted per pair.
type Pair struct {
	Local     string
	Remote    string
	Direction string // "push" or "pull"
}

// Shadow is the local record of an entity as the remote last acknowledged
// it: the base copy for three-way merges plus the version tokens both sides
// held at that moment.
type Shadow struct {
	Entity        model.Entity
	LocalVersion  int
	RemoteVersion int
}

// PendingChange records an entity whose sync failed after retry exhaustion.
// It is redelivered on the next sync even though the cursor has moved on.
type PendingChange struct {
	Kind       model.Kind
	EntityID   string
	Direction  string
	Reason     string
	RecordedAt time.Time
}

// SyncState is the sync bookkeeping the local store persists alongside the
// entities: per-pair cursors, per-entity shadows, and the pending-retry
// queue. The engine owns no durable state of its own.
type SyncState interface {
	// Cursor returns the persisted cursor for pair, or "" if the pair has
	// never synced.
	Cursor(ctx context.Context, pair Pair) (string, error)

	// SetCursor durably advances the cursor for pair.
	SetCursor(ctx context.Context, pair Pair, cursor string) error

	// Shadow returns the base copy for an entity, or ErrNotFound when the
	// remote has never acknowledged it.
	Shadow(ctx context.Context, id string) (*Shadow, error)

	// PutShadow records the entity state both sides agree on.
	PutShadow(ctx context.Context, s *Shadow) error

	// DeleteShadow forgets an entity's base copy after its tombstone has
	// propagated.
	DeleteShadow(ctx context.Context, id string) error

	// Pending lists changes awaiting redelivery for a direction.
	Pending(ctx context.Context, direction string) ([]PendingChange, error)

	// AddPending durably records a change for redelivery.
	AddPending(ctx context.Context, p PendingChange) error

	// RemovePending drops a redelivery record once the change resolves.
	RemovePending(ctx context.Context, direction, entityID string) error

	// PurgeTombstones physically removes tombstones that have propagated:
	// those already pushed past the pair's cursor with no pending retry.
	// Called only after a fully clean sync.
	PurgeTombstones(ctx context.Context, pair Pair) (int, error)
}

// SyncRepository is what the sync engine requires from the local side.
type SyncRepository interface {
	Repository
	SyncState
}
