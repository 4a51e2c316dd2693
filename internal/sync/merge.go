package sync

import (
	"fmt"
	"time"

	"github.com/todopro/todopro/internal/model"
)

// mergeEntities reconciles concurrent edits field by field against the base
// copy both sides last agreed on. A field changed on only one side keeps
// that side's value; a field changed on both sides takes the remote value.
// Without a base (the two stores created the entity independently under the
// same id) every differing field counts as changed on both sides, so the
// remote copy wins them all.
//
// Tombstones never reach this function; deletion precedence is handled
// before field merging. The caller assigns the merged version.
func mergeEntities(base, local, remote model.Entity) (model.Entity, error) {
	if local.Kind() != remote.Kind() {
		return nil, fmt.Errorf("cannot merge %s with %s", local.Kind(), remote.Kind())
	}
	if base == nil {
		return remote.Clone(), nil
	}

	var merged model.Entity
	switch l := local.(type) {
	case *model.Task:
		merged = mergeTasks(base.(*model.Task), l, remote.(*model.Task))
	case *model.Project:
		merged = mergeProjects(base.(*model.Project), l, remote.(*model.Project))
	case *model.Label:
		merged = mergeLabels(base.(*model.Label), l, remote.(*model.Label))
	default:
		return nil, fmt.Errorf("unknown entity type %T", local)
	}

	meta := merged.SyncMeta()
	meta.Deleted = false
	// UpdatedAt stays monotonic across the merge.
	if local.SyncMeta().UpdatedAt.After(meta.UpdatedAt) {
		meta.UpdatedAt = local.SyncMeta().UpdatedAt
	}
	return merged, nil
}

// pick implements the three-way rule for one comparable field.
func pick[T comparable](base, local, remote T) T {
	if local == base {
		return remote
	}
	if remote == base {
		return local
	}
	return remote
}

func pickTime(base, local, remote *time.Time) *time.Time {
	if timesEqual(local, base) {
		return remote
	}
	if timesEqual(remote, base) {
		return local
	}
	return remote
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func pickLabels(base, local, remote []string) []string {
	if labelsEqual(local, base) {
		return append([]string(nil), remote...)
	}
	if labelsEqual(remote, base) {
		return append([]string(nil), local...)
	}
	return append([]string(nil), remote...)
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mergeTasks(base, local, remote *model.Task) *model.Task {
	m := remote.Clone().(*model.Task)
	m.Content = pick(base.Content, local.Content, remote.Content)
	m.Description = pick(base.Description, local.Description, remote.Description)
	m.ProjectID = pick(base.ProjectID, local.ProjectID, remote.ProjectID)
	m.LabelIDs = pickLabels(base.LabelIDs, local.LabelIDs, remote.LabelIDs)
	m.DueAt = pickTime(base.DueAt, local.DueAt, remote.DueAt)
	m.Priority = pick(base.Priority, local.Priority, remote.Priority)
	m.Completed = pick(base.Completed, local.Completed, remote.Completed)
	m.CompletedAt = pickTime(base.CompletedAt, local.CompletedAt, remote.CompletedAt)
	if !m.Completed {
		m.CompletedAt = nil
	} else if m.CompletedAt == nil {
		// Completion won the merge but its timestamp came from the side
		// that lost; take whichever side recorded one.
		if local.CompletedAt != nil {
			m.CompletedAt = local.CompletedAt
		} else {
			m.CompletedAt = remote.CompletedAt
		}
	}
	return m
}

func mergeProjects(base, local, remote *model.Project) *model.Project {
	m := remote.Clone().(*model.Project)
	m.Name = pick(base.Name, local.Name, remote.Name)
	m.Description = pick(base.Description, local.Description, remote.Description)
	m.Color = pick(base.Color, local.Color, remote.Color)
	m.Archived = pick(base.Archived, local.Archived, remote.Archived)
	m.Favorite = pick(base.Favorite, local.Favorite, remote.Favorite)
	return m
}

func mergeLabels(base, local, remote *model.Label) *model.Label {
	m := remote.Clone().(*model.Label)
	m.Name = pick(base.Name, local.Name, remote.Name)
	m.Color = pick(base.Color, local.Color, remote.Color)
	m.Favorite = pick(base.Favorite, local.Favorite, remote.Favorite)
	return m
}
