package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/todopro/todopro/internal/model"
)

// ConflictRecord is one resolved conflict as written to the journal.
type ConflictRecord struct {
	Time          time.Time  `json:"time"`
	Kind          model.Kind `json:"kind"`
	EntityID      string     `json:"entity_id"`
	Policy        Policy     `json:"policy"`
	LocalVersion  int        `json:"local_version"`
	RemoteVersion int        `json:"remote_version"`
	MergedVersion int        `json:"merged_version,omitempty"`
	Resolution    string     `json:"resolution"` // "merged", "local", "remote", "deleted"
}

// Journal is the append-only conflict log, one JSON record per line. It
// exists so a user can audit what the resolver decided long after the sync
// that decided it.
type Journal struct {
	path string
}

// NewJournal returns a journal writing to path. The file and its directory
// are created on first append.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one record. Failures are returned but are not fatal to a
// sync; the caller logs and moves on.
func (j *Journal) Append(rec ConflictRecord) error {
	if j == nil || j.path == "" {
		return nil
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open conflict journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode conflict record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append conflict record: %w", err)
	}
	return nil
}

// List reads every record in the journal, oldest first. A missing file is
// an empty journal, not an error.
func (j *Journal) List() ([]ConflictRecord, error) {
	if j == nil || j.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict journal: %w", err)
	}

	var records []ConflictRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec ConflictRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("corrupt conflict journal: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
