package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

// Cursor implements store.SyncState.
func (s *Store) Cursor(ctx context.Context, pair store.Pair) (string, error) {
	var cursor string
	err := s.conn.QueryRowContext(ctx, `
		SELECT cursor FROM sync_state
		WHERE local_ctx = ? AND remote_ctx = ? AND direction = ?`,
		pair.Local, pair.Remote, pair.Direction).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &store.StorageError{Op: "load cursor", Cause: err}
	}
	return cursor, nil
}

// SetCursor implements store.SyncState.
func (s *Store) SetCursor(ctx context.Context, pair store.Pair, cursor string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_state (local_ctx, remote_ctx, direction, cursor, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_ctx, remote_ctx, direction) DO UPDATE SET
			cursor = excluded.cursor,
			synced_at = excluded.synced_at`,
		pair.Local, pair.Remote, pair.Direction, cursor, formatTime(time.Now()))
	if err != nil {
		return &store.StorageError{Op: "save cursor", Cause: err}
	}
	return nil
}

// Shadow implements store.SyncState.
func (s *Store) Shadow(ctx context.Context, id string) (*store.Shadow, error) {
	var kind model.Kind
	var payload string
	var localVersion, remoteVersion int
	err := s.conn.QueryRowContext(ctx, `
		SELECT kind, payload, local_version, remote_version
		FROM sync_shadow WHERE entity_id = ?`, id).
		Scan(&kind, &payload, &localVersion, &remoteVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "load shadow", Cause: err}
	}

	e, err := model.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, fmt.Errorf("corrupt shadow for %s: %w", id, err)
	}
	return &store.Shadow{Entity: e, LocalVersion: localVersion, RemoteVersion: remoteVersion}, nil
}

// PutShadow implements store.SyncState.
func (s *Store) PutShadow(ctx context.Context, sh *store.Shadow) error {
	payload, err := json.Marshal(sh.Entity)
	if err != nil {
		return fmt.Errorf("failed to marshal shadow: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sync_shadow (entity_id, kind, payload, local_version, remote_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			updated_at = excluded.updated_at`,
		sh.Entity.EntityID(), sh.Entity.Kind(), string(payload),
		sh.LocalVersion, sh.RemoteVersion, formatTime(time.Now()))
	if err != nil {
		return &store.StorageError{Op: "save shadow", Cause: err}
	}
	return nil
}

// DeleteShadow implements store.SyncState.
func (s *Store) DeleteShadow(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM sync_shadow WHERE entity_id = ?", id); err != nil {
		return &store.StorageError{Op: "delete shadow", Cause: err}
	}
	return nil
}

// Pending implements store.SyncState.
func (s *Store) Pending(ctx context.Context, direction string) ([]store.PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT direction, kind, entity_id, reason, recorded_at
		FROM sync_pending WHERE direction = ?
		ORDER BY recorded_at ASC, entity_id ASC`, direction)
	if err != nil {
		return nil, &store.StorageError{Op: "load pending", Cause: err}
	}
	defer rows.Close()

	var pending []store.PendingChange
	for rows.Next() {
		var p store.PendingChange
		var recordedAt string
		if err := rows.Scan(&p.Direction, &p.Kind, &p.EntityID, &p.Reason, &recordedAt); err != nil {
			return nil, &store.StorageError{Op: "load pending", Cause: err}
		}
		p.RecordedAt = parseTime(recordedAt)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "load pending", Cause: err}
	}
	return pending, nil
}

// AddPending implements store.SyncState.
func (s *Store) AddPending(ctx context.Context, p store.PendingChange) error {
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_pending (direction, kind, entity_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(direction, entity_id) DO UPDATE SET
			reason = excluded.reason,
			recorded_at = excluded.recorded_at`,
		p.Direction, p.Kind, p.EntityID, p.Reason, formatTime(p.RecordedAt))
	if err != nil {
		return &store.StorageError{Op: "record pending", Cause: err}
	}
	return nil
}

// RemovePending implements store.SyncState.
func (s *Store) RemovePending(ctx context.Context, direction, entityID string) error {
	_, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_pending WHERE direction = ? AND entity_id = ?", direction, entityID)
	if err != nil {
		return &store.StorageError{Op: "remove pending", Cause: err}
	}
	return nil
}

// PurgeTombstones implements store.SyncState. A tombstone may go once its
// latest change has been pushed past the pair's cursor and no pending retry
// references it: every replica has seen the delete.
func (s *Store) PurgeTombstones(ctx context.Context, pair store.Pair) (int, error) {
	cursor, err := s.Cursor(ctx, pair)
	if err != nil {
		return 0, err
	}
	if cursor == "" {
		return 0, nil
	}
	acked, err := parseCursor(cursor)
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &store.StorageError{Op: "purge tombstones", Cause: err}
	}
	defer tx.Rollback()

	purged := 0
	for _, kind := range model.Kinds {
		table, err := tableFor(kind)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM `+table+`
			WHERE deleted = 1
			  AND id IN (
				SELECT entity_id FROM change_log
				GROUP BY entity_id HAVING MAX(seq) <= ?
			  )
			  AND id NOT IN (SELECT entity_id FROM sync_pending)`, acked)
		if err != nil {
			return 0, &store.StorageError{Op: "purge tombstones", Cause: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &store.StorageError{Op: "purge tombstones", Cause: err}
		}
		purged += int(n)
	}

	// Forget shadows for entities that no longer exist in any kind table.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_shadow
		WHERE entity_id NOT IN (SELECT id FROM tasks)
		  AND entity_id NOT IN (SELECT id FROM projects)
		  AND entity_id NOT IN (SELECT id FROM labels)`); err != nil {
		return 0, &store.StorageError{Op: "purge tombstones", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &store.StorageError{Op: "purge tombstones", Cause: err}
	}
	return purged, nil
}

// RewriteFields implements crypto.FieldRewriter: one transaction visiting
// every sensitive field in the store, tombstones and shadow copies
// included, so key rotation never leaves a mixed-key database behind.
func (s *Store) RewriteFields(ctx context.Context, rewrite func(value string) (string, error)) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "rewrite fields", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, content, description FROM tasks")
	if err != nil {
		return &store.StorageError{Op: "rewrite fields", Cause: err}
	}
	type taskFields struct {
		id, content, description string
	}
	var tasks []taskFields
	for rows.Next() {
		var t taskFields
		if err := rows.Scan(&t.id, &t.content, &t.description); err != nil {
			rows.Close()
			return &store.StorageError{Op: "rewrite fields", Cause: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &store.StorageError{Op: "rewrite fields", Cause: err}
	}
	rows.Close()

	for _, t := range tasks {
		content, err := rewrite(t.content)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.id, err)
		}
		description := t.description
		if description != "" {
			if description, err = rewrite(description); err != nil {
				return fmt.Errorf("task %s: %w", t.id, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET content = ?, description = ? WHERE id = ?",
			content, description, t.id); err != nil {
			return &store.StorageError{Op: "rewrite fields", Cause: err}
		}
	}

	if err := s.rewriteShadows(ctx, tx, rewrite); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "rewrite fields", Cause: err}
	}
	return nil
}

func (s *Store) rewriteShadows(ctx context.Context, tx *sql.Tx, rewrite func(string) (string, error)) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT entity_id, payload FROM sync_shadow WHERE kind = ?", model.KindTask)
	if err != nil {
		return &store.StorageError{Op: "rewrite shadows", Cause: err}
	}
	type shadowRow struct {
		id, payload string
	}
	var shadows []shadowRow
	for rows.Next() {
		var sr shadowRow
		if err := rows.Scan(&sr.id, &sr.payload); err != nil {
			rows.Close()
			return &store.StorageError{Op: "rewrite shadows", Cause: err}
		}
		shadows = append(shadows, sr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &store.StorageError{Op: "rewrite shadows", Cause: err}
	}
	rows.Close()

	for _, sr := range shadows {
		var t model.Task
		if err := json.Unmarshal([]byte(sr.payload), &t); err != nil {
			return fmt.Errorf("corrupt shadow for %s: %w", sr.id, err)
		}
		if t.Content, err = rewrite(t.Content); err != nil {
			return fmt.Errorf("shadow %s: %w", sr.id, err)
		}
		if t.Description != "" {
			if t.Description, err = rewrite(t.Description); err != nil {
				return fmt.Errorf("shadow %s: %w", sr.id, err)
			}
		}
		payload, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal shadow: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_shadow SET payload = ? WHERE entity_id = ?",
			string(payload), sr.id); err != nil {
			return &store.StorageError{Op: "rewrite shadows", Cause: err}
		}
	}
	return nil
}
