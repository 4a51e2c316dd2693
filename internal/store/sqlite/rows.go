package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/todopro/todopro/internal/model"
)

const (
	taskColumns = `id, content, description, project_id, label_ids, due_at,
		priority, completed, completed_at,
		version, created_at, updated_at, deleted, origin`
	projectColumns = `id, name, description, color, archived, favorite,
		version, created_at, updated_at, deleted, origin`
	labelColumns = `id, name, color, favorite,
		version, created_at, updated_at, deleted, origin`
)

func columnsFor(kind model.Kind) string {
	switch kind {
	case model.KindTask:
		return taskColumns
	case model.KindProject:
		return projectColumns
	default:
		return labelColumns
	}
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(kind model.Kind, row scanner) (model.Entity, error) {
	switch kind {
	case model.KindTask:
		return scanTask(row)
	case model.KindProject:
		return scanProject(row)
	case model.KindLabel:
		return scanLabel(row)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

func scanTask(row scanner) (model.Entity, error) {
	var t model.Task
	var labelsJSON, createdAt, updatedAt string
	var dueAt, completedAt sql.NullString
	var completed, deleted int

	err := row.Scan(
		&t.ID, &t.Content, &t.Description, &t.ProjectID, &labelsJSON, &dueAt,
		&t.Priority, &completed, &completedAt,
		&t.Version, &createdAt, &updatedAt, &deleted, &t.Origin,
	)
	if err != nil {
		return nil, err
	}

	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &t.LabelIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal label ids for task %s: %w", t.ID, err)
		}
	}
	t.Completed = completed != 0
	t.Deleted = deleted != 0
	t.DueAt = nullToTime(dueAt)
	t.CompletedAt = nullToTime(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func scanProject(row scanner) (model.Entity, error) {
	var p model.Project
	var createdAt, updatedAt string
	var archived, favorite, deleted int

	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Color, &archived, &favorite,
		&p.Version, &createdAt, &updatedAt, &deleted, &p.Origin,
	)
	if err != nil {
		return nil, err
	}
	p.Archived = archived != 0
	p.Favorite = favorite != 0
	p.Deleted = deleted != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanLabel(row scanner) (model.Entity, error) {
	var l model.Label
	var createdAt, updatedAt string
	var favorite, deleted int

	err := row.Scan(
		&l.ID, &l.Name, &l.Color, &favorite,
		&l.Version, &createdAt, &updatedAt, &deleted, &l.Origin,
	)
	if err != nil {
		return nil, err
	}
	l.Favorite = favorite != 0
	l.Deleted = deleted != 0
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

func insertEntity(ctx context.Context, tx execer, e model.Entity) error {
	switch v := e.(type) {
	case *model.Task:
		labels, err := json.Marshal(labelsOrEmpty(v.LabelIDs))
		if err != nil {
			return fmt.Errorf("failed to marshal label ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, content, description, project_id, label_ids, due_at,
				priority, completed, completed_at,
				version, created_at, updated_at, deleted, origin)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Content, v.Description, projectOrInbox(v.ProjectID), string(labels), timeToNull(v.DueAt),
			v.Priority, boolToInt(v.Completed), timeToNull(v.CompletedAt),
			v.Version, formatTime(v.CreatedAt), formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin)
		return err
	case *model.Project:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, color, archived, favorite,
				version, created_at, updated_at, deleted, origin)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Name, v.Description, v.Color, boolToInt(v.Archived), boolToInt(v.Favorite),
			v.Version, formatTime(v.CreatedAt), formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin)
		return err
	case *model.Label:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO labels (id, name, color, favorite,
				version, created_at, updated_at, deleted, origin)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Name, v.Color, boolToInt(v.Favorite),
			v.Version, formatTime(v.CreatedAt), formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin)
		return err
	default:
		return fmt.Errorf("unknown entity type %T", e)
	}
}

func updateEntity(ctx context.Context, tx execer, e model.Entity) error {
	switch v := e.(type) {
	case *model.Task:
		labels, err := json.Marshal(labelsOrEmpty(v.LabelIDs))
		if err != nil {
			return fmt.Errorf("failed to marshal label ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET content = ?, description = ?, project_id = ?, label_ids = ?,
				due_at = ?, priority = ?, completed = ?, completed_at = ?,
				version = ?, updated_at = ?, deleted = ?, origin = ?
			WHERE id = ?`,
			v.Content, v.Description, projectOrInbox(v.ProjectID), string(labels),
			timeToNull(v.DueAt), v.Priority, boolToInt(v.Completed), timeToNull(v.CompletedAt),
			v.Version, formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin,
			v.ID)
		return err
	case *model.Project:
		_, err := tx.ExecContext(ctx, `
			UPDATE projects SET name = ?, description = ?, color = ?, archived = ?, favorite = ?,
				version = ?, updated_at = ?, deleted = ?, origin = ?
			WHERE id = ?`,
			v.Name, v.Description, v.Color, boolToInt(v.Archived), boolToInt(v.Favorite),
			v.Version, formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin,
			v.ID)
		return err
	case *model.Label:
		_, err := tx.ExecContext(ctx, `
			UPDATE labels SET name = ?, color = ?, favorite = ?,
				version = ?, updated_at = ?, deleted = ?, origin = ?
			WHERE id = ?`,
			v.Name, v.Color, boolToInt(v.Favorite),
			v.Version, formatTime(v.UpdatedAt), boolToInt(v.Deleted), v.Origin,
			v.ID)
		return err
	default:
		return fmt.Errorf("unknown entity type %T", e)
	}
}

func labelsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// projectOrInbox maps an absent project reference to the implicit default.
func projectOrInbox(id string) string {
	if id == "" {
		return model.InboxProjectID
	}
	return id
}
