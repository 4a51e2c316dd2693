package store

import (
	"context"

	"github.com/todopro/todopro/internal/crypto"
	"github.com/todopro/todopro/internal/model"
)

// Encrypted wraps a repository with transparent field encryption: sensitive
// fields are encrypted before any write reaches the backend and decrypted
// immediately after any read, so the backend only ever holds ciphertext
// while callers only ever see plaintext.
//
// When the wrapped repository also implements SyncState, the returned value
// does too, with the same treatment applied to shadow copies.
func Encrypted(r Repository, key []byte) Repository {
	er := &encryptedRepo{inner: r, key: key}
	if sr, ok := r.(SyncRepository); ok {
		return &encryptedSyncRepo{encryptedRepo: er, state: sr}
	}
	return er
}

type encryptedRepo struct {
	inner Repository
	key   []byte
}

func (r *encryptedRepo) seal(e model.Entity) (model.Entity, error) {
	sealed := e.Clone()
	if err := crypto.EncryptEntity(sealed, r.key); err != nil {
		return nil, err
	}
	return sealed, nil
}

func (r *encryptedRepo) open(e model.Entity) (model.Entity, error) {
	if err := crypto.DecryptEntity(e, r.key); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *encryptedRepo) GetAll(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error) {
	entities, err := r.inner.GetAll(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if _, err := r.open(e); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func (r *encryptedRepo) GetByID(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	e, err := r.inner.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return r.open(e)
}

func (r *encryptedRepo) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	sealed, err := r.seal(e)
	if err != nil {
		return nil, err
	}
	stored, err := r.inner.Create(ctx, sealed)
	if err != nil {
		return nil, err
	}
	return r.open(stored)
}

func (r *encryptedRepo) Update(ctx context.Context, e model.Entity, expectedVersion int) (model.Entity, error) {
	sealed, err := r.seal(e)
	if err != nil {
		return nil, err
	}
	stored, err := r.inner.Update(ctx, sealed, expectedVersion)
	if err != nil {
		// A conflict carries the stored ciphertext copy; resolution
		// policies need it in plaintext.
		if conflict, ok := err.(*ConflictError); ok && conflict.Current != nil {
			if _, derr := r.open(conflict.Current); derr != nil {
				return nil, derr
			}
		}
		return nil, err
	}
	return r.open(stored)
}

func (r *encryptedRepo) SoftDelete(ctx context.Context, kind model.Kind, id string, expectedVersion int) error {
	return r.inner.SoftDelete(ctx, kind, id, expectedVersion)
}

func (r *encryptedRepo) ChangesSince(ctx context.Context, cursor string) ([]model.Entity, string, error) {
	entities, next, err := r.inner.ChangesSince(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	for _, e := range entities {
		if _, err := r.open(e); err != nil {
			return nil, "", err
		}
	}
	return entities, next, nil
}

func (r *encryptedRepo) Close() error { return r.inner.Close() }

// encryptedSyncRepo adds the SyncState passthrough, decrypting shadow
// copies on the way out and encrypting them on the way in.
type encryptedSyncRepo struct {
	*encryptedRepo
	state SyncRepository
}

func (r *encryptedSyncRepo) Cursor(ctx context.Context, pair Pair) (string, error) {
	return r.state.Cursor(ctx, pair)
}

func (r *encryptedSyncRepo) SetCursor(ctx context.Context, pair Pair, cursor string) error {
	return r.state.SetCursor(ctx, pair, cursor)
}

func (r *encryptedSyncRepo) Shadow(ctx context.Context, id string) (*Shadow, error) {
	s, err := r.state.Shadow(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.open(s.Entity); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *encryptedSyncRepo) PutShadow(ctx context.Context, s *Shadow) error {
	sealed, err := r.seal(s.Entity)
	if err != nil {
		return err
	}
	return r.state.PutShadow(ctx, &Shadow{
		Entity:        sealed,
		LocalVersion:  s.LocalVersion,
		RemoteVersion: s.RemoteVersion,
	})
}

func (r *encryptedSyncRepo) DeleteShadow(ctx context.Context, id string) error {
	return r.state.DeleteShadow(ctx, id)
}

func (r *encryptedSyncRepo) Pending(ctx context.Context, direction string) ([]PendingChange, error) {
	return r.state.Pending(ctx, direction)
}

func (r *encryptedSyncRepo) AddPending(ctx context.Context, p PendingChange) error {
	return r.state.AddPending(ctx, p)
}

func (r *encryptedSyncRepo) RemovePending(ctx context.Context, direction, entityID string) error {
	return r.state.RemovePending(ctx, direction, entityID)
}

func (r *encryptedSyncRepo) PurgeTombstones(ctx context.Context, pair Pair) (int, error) {
	return r.state.PurgeTombstones(ctx, pair)
}
