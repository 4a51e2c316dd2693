package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

func tableFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindTask:
		return "tasks", nil
	case model.KindProject:
		return "projects", nil
	case model.KindLabel:
		return "labels", nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

func (s *Store) writeOrigin(ctx context.Context) string {
	if name, ok := store.OriginFrom(ctx); ok {
		return name
	}
	return s.origin
}

// GetAll implements store.Repository.
func (s *Store) GetAll(ctx context.Context, kind model.Kind, filter store.Filter) ([]model.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if kind == model.KindTask {
		if filter.ProjectID != "" {
			conditions = append(conditions, "project_id = ?")
			args = append(args, filter.ProjectID)
		}
		if filter.Completed != nil {
			conditions = append(conditions, "completed = ?")
			args = append(args, boolToInt(*filter.Completed))
		}
		if filter.Priority > 0 {
			conditions = append(conditions, "priority = ?")
			args = append(args, filter.Priority)
		}
		if filter.LabelID != "" {
			conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(label_ids) WHERE json_each.value = ?)")
			args = append(args, filter.LabelID)
		}
	}

	query := "SELECT " + columnsFor(kind) + " FROM " + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.StorageError{Op: "get all " + string(kind), Cause: err}
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "get all " + string(kind), Cause: err}
	}
	return entities, nil
}

// GetByID implements store.Repository. Tombstoned entities are returned;
// filtering them is the caller's job (GetAll already does).
func (s *Store) GetByID(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	return s.getByID(ctx, s.conn, kind, id)
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getByID(ctx context.Context, q querier, kind model.Kind, id string) (model.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+columnsFor(kind)+" FROM "+table+" WHERE id = ?", id)
	e, err := scanEntity(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

// Create implements store.Repository.
func (s *Store) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	e = e.Clone()
	meta := e.SyncMeta()
	if e.EntityID() == "" {
		if err := assignID(e); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	meta.Version = 1
	meta.Origin = s.writeOrigin(ctx)

	if err := e.Validate(); err != nil {
		return nil, &store.ValidationError{Kind: e.Kind(), ID: e.EntityID(), Reason: err}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &store.StorageError{Op: "create " + string(e.Kind()), Cause: err}
	}
	defer tx.Rollback()

	if err := insertEntity(ctx, tx, e); err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{
				Kind: e.Kind(), ID: e.EntityID(),
				Reason: fmt.Errorf("already exists"),
			}
		}
		return nil, &store.StorageError{Op: "create " + string(e.Kind()), Cause: err}
	}
	if err := appendChange(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.StorageError{Op: "create " + string(e.Kind()), Cause: err}
	}
	return e, nil
}

// Update implements store.Repository: an atomic compare-and-swap on the
// version column. The stored version advances to stored+1, or adopts the
// incoming entity's version when that is higher (merged copies carry a
// version computed by the resolution policy).
func (s *Store) Update(ctx context.Context, e model.Entity, expectedVersion int) (model.Entity, error) {
	e = e.Clone()
	if err := e.Validate(); err != nil {
		return nil, &store.ValidationError{Kind: e.Kind(), ID: e.EntityID(), Reason: err}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &store.StorageError{Op: "update " + string(e.Kind()), Cause: err}
	}
	defer tx.Rollback()

	current, err := s.getByID(ctx, tx, e.Kind(), e.EntityID())
	if err != nil {
		return nil, err
	}
	curMeta := current.SyncMeta()
	if curMeta.Version != expectedVersion {
		return nil, &store.ConflictError{
			Kind: e.Kind(), ID: e.EntityID(),
			ExpectedVersion: expectedVersion,
			Current:         current,
		}
	}

	// A tombstone never reappears with a lower version than the delete.
	if curMeta.Deleted && e.SyncMeta().Version <= curMeta.Version && !e.SyncMeta().Deleted {
		return nil, &store.ConflictError{
			Kind: e.Kind(), ID: e.EntityID(),
			ExpectedVersion: expectedVersion,
			Current:         current,
		}
	}

	meta := e.SyncMeta()
	next := curMeta.Version + 1
	if meta.Version > next {
		next = meta.Version
	}
	meta.Version = next
	if !meta.UpdatedAt.After(curMeta.UpdatedAt) {
		// updated_at is monotonic per entity; never regress below what
		// this replica already recorded.
		meta.UpdatedAt = curMeta.UpdatedAt.Add(time.Microsecond)
	}
	meta.CreatedAt = curMeta.CreatedAt
	meta.Origin = s.writeOrigin(ctx)

	if err := updateEntity(ctx, tx, e); err != nil {
		return nil, &store.StorageError{Op: "update " + string(e.Kind()), Cause: err}
	}
	if err := appendChange(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.StorageError{Op: "update " + string(e.Kind()), Cause: err}
	}
	return e, nil
}

// SoftDelete implements store.Repository.
func (s *Store) SoftDelete(ctx context.Context, kind model.Kind, id string, expectedVersion int) error {
	if kind == model.KindProject && id == model.InboxProjectID {
		return fmt.Errorf("%w: the inbox project cannot be deleted", store.ErrInvalidOperation)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "delete " + string(kind), Cause: err}
	}
	defer tx.Rollback()

	current, err := s.getByID(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	curMeta := current.SyncMeta()
	if curMeta.Version != expectedVersion {
		return &store.ConflictError{
			Kind: kind, ID: id,
			ExpectedVersion: expectedVersion,
			Current:         current,
		}
	}
	if curMeta.Deleted {
		// Deleting a tombstone is a no-op.
		return nil
	}

	tombstone := current.Clone()
	meta := tombstone.SyncMeta()
	meta.Version = curMeta.Version + 1
	meta.Deleted = true
	meta.Touch()
	meta.Origin = s.writeOrigin(ctx)

	if err := updateEntity(ctx, tx, tombstone); err != nil {
		return &store.StorageError{Op: "delete " + string(kind), Cause: err}
	}
	if err := appendChange(ctx, tx, tombstone); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "delete " + string(kind), Cause: err}
	}
	return nil
}

// ChangesSince implements store.Repository. The cursor is the change_log
// sequence number rendered as a decimal string; callers treat it as opaque.
// Each entity mutated after the cursor appears once, at the position of its
// latest change, so ordering is stable across calls.
func (s *Store) ChangesSince(ctx context.Context, cursor string) ([]model.Entity, string, error) {
	since, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT kind, entity_id, MAX(seq) AS seq
		FROM change_log
		WHERE seq > ?
		GROUP BY kind, entity_id
		ORDER BY seq ASC`, since)
	if err != nil {
		return nil, "", &store.StorageError{Op: "changes since", Cause: err}
	}
	defer rows.Close()

	type change struct {
		kind model.Kind
		id   string
	}
	var changes []change
	high := since
	for rows.Next() {
		var c change
		var seq int64
		if err := rows.Scan(&c.kind, &c.id, &seq); err != nil {
			return nil, "", &store.StorageError{Op: "changes since", Cause: err}
		}
		changes = append(changes, c)
		if seq > high {
			high = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", &store.StorageError{Op: "changes since", Cause: err}
	}

	var entities []model.Entity
	for _, c := range changes {
		e, err := s.GetByID(ctx, c.kind, c.id)
		if errors.Is(err, store.ErrNotFound) {
			// Purged after the change was logged; nothing left to sync.
			continue
		}
		if err != nil {
			return nil, "", err
		}
		entities = append(entities, e)
	}
	return entities, strconv.FormatInt(high, 10), nil
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func appendChange(ctx context.Context, tx execer, e model.Entity) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO change_log (kind, entity_id, changed_at) VALUES (?, ?, ?)",
		e.Kind(), e.EntityID(), formatTime(time.Now()))
	if err != nil {
		return &store.StorageError{Op: "append change log", Cause: err}
	}
	return nil
}

func assignID(e model.Entity) error {
	id := model.NewID()
	switch v := e.(type) {
	case *model.Task:
		v.ID = id
	case *model.Project:
		v.ID = id
	case *model.Label:
		v.ID = id
	default:
		return fmt.Errorf("unknown entity type %T", e)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
