package store

import (
	"errors"
	"fmt"

	"github.com/todopro/todopro/internal/model"
)

// Sentinel errors shared by both repository implementations.
var (
	// ErrNotFound reports that no entity with the given id exists.
	ErrNotFound = errors.New("entity not found")

	// ErrStorageLocked reports that another process holds the local
	// store's writer lock. Callers fail fast instead of corrupting state.
	ErrStorageLocked = errors.New("local store is locked by another process")

	// ErrInvalidOperation reports an operation the current state forbids,
	// such as removing the active context or deleting the inbox project.
	ErrInvalidOperation = errors.New("invalid operation")
)

// ValidationError reports bad input the caller can correct.
type ValidationError struct {
	Kind   model.Kind
	ID     string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %v", e.Kind, e.ID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// ConflictError reports that a compare-and-swap update lost: the stored
// version no longer matches the expected one. Current carries the entity as
// the destination store holds it now, which the sync engine's resolution
// policies need.
type ConflictError struct {
	Kind            model.Kind
	ID              string
	ExpectedVersion int
	Current         model.Entity
}

func (e *ConflictError) Error() string {
	current := 0
	if e.Current != nil {
		current = e.Current.SyncMeta().Version
	}
	return fmt.Sprintf("version conflict on %s %s: expected %d, stored %d",
		e.Kind, e.ID, e.ExpectedVersion, current)
}

// StorageError wraps an I/O failure from the local store. Retried a bounded
// number of times by the sync engine, then surfaced.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NetworkError wraps a transport failure from the remote store. Treated as
// transient and retried with backoff.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is worth retrying: network failures and
// local I/O failures are, everything else is not.
func IsTransient(err error) bool {
	var netErr *NetworkError
	var storErr *StorageError
	return errors.As(err, &netErr) || errors.As(err, &storErr)
}
