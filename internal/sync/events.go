package sync

import "github.com/todopro/todopro/internal/model"

// Events receives progress notifications during a sync run. The monitor
// server implements this to stream progress to dashboard clients; the
// default implementation discards everything.
//
// Callbacks run on the sync goroutine, so implementations must not block.
type Events interface {
	// SyncStarted fires once per direction ("push" or "pull").
	SyncStarted(direction string)

	// EntitySynced fires after one entity has been applied.
	// Action is "created", "updated", "deleted" or "skipped".
	EntitySynced(direction string, kind model.Kind, id, action string)

	// ConflictResolved fires after the resolver settled a conflict.
	ConflictResolved(rec ConflictRecord)

	// SyncFinished fires once with the final summary.
	SyncFinished(s Summary)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SyncStarted(string)                              {}
func (NopEvents) EntitySynced(string, model.Kind, string, string) {}
func (NopEvents) ConflictResolved(ConflictRecord)                 {}
func (NopEvents) SyncFinished(Summary)                            {}
