package crypto

import (
	"context"
	"fmt"

	"github.com/todopro/todopro/internal/model"
)

// The sensitive field set. Task content and description are the only fields
// encrypted at rest; structural fields (ids, priority, flags, timestamps)
// stay plaintext so stores can filter and order without the key.

// EncryptEntity encrypts the sensitive fields of e in place.
func EncryptEntity(e model.Entity, key []byte) error {
	t, ok := e.(*model.Task)
	if !ok {
		return nil
	}
	var err error
	if t.Content != "" && !IsEncrypted(t.Content) {
		if t.Content, err = EncryptField(t.Content, key); err != nil {
			return fmt.Errorf("failed to encrypt content of task %s: %w", t.ID, err)
		}
	}
	if t.Description != "" && !IsEncrypted(t.Description) {
		if t.Description, err = EncryptField(t.Description, key); err != nil {
			return fmt.Errorf("failed to encrypt description of task %s: %w", t.ID, err)
		}
	}
	return nil
}

// DecryptEntity decrypts the sensitive fields of e in place. An
// authentication failure is surfaced, never swallowed: a task whose
// ciphertext does not verify is worse than an error.
func DecryptEntity(e model.Entity, key []byte) error {
	t, ok := e.(*model.Task)
	if !ok {
		return nil
	}
	var err error
	if t.Content, err = DecryptField(t.Content, key); err != nil {
		return fmt.Errorf("task %s content: %w", t.ID, err)
	}
	if t.Description, err = DecryptField(t.Description, key); err != nil {
		return fmt.Errorf("task %s description: %w", t.ID, err)
	}
	return nil
}

// FieldRewriter is the narrow slice of the local store that key rotation
// needs: visit every sensitive field of every held entity, tombstones
// included, and replace its stored value in one durable pass.
type FieldRewriter interface {
	RewriteFields(ctx context.Context, rewrite func(value string) (string, error)) error
}

// Rotate generates a fresh key and recovery phrase, re-encrypts every
// sensitive field held by rw under the new key, and installs the new key
// file. Old ciphertext is decrypted and re-encrypted, not re-labeled.
//
// The new key is parked in a ".next" key file before the rewrite begins, so
// a crash mid-rotation leaves both keys on disk and the rewrite can be run
// again; the regular key file is only replaced after the rewrite commits.
func Rotate(ctx context.Context, rw FieldRewriter, oldKey []byte, keysDir, contextName string) (newKey []byte, mnemonic string, err error) {
	mnemonic, newKey, err = NewMnemonic()
	if err != nil {
		return nil, "", err
	}

	pending := contextName + ".next"
	if err := SaveKey(keysDir, pending, newKey); err != nil {
		return nil, "", fmt.Errorf("failed to stage rotation key: %w", err)
	}

	err = rw.RewriteFields(ctx, func(value string) (string, error) {
		plaintext, err := DecryptField(value, oldKey)
		if err != nil {
			return "", err
		}
		return EncryptField(plaintext, newKey)
	})
	if err != nil {
		return nil, "", fmt.Errorf("re-encryption failed: %w", err)
	}

	if err := SaveKey(keysDir, contextName, newKey); err != nil {
		return nil, "", fmt.Errorf("failed to install rotated key: %w", err)
	}
	if err := DeleteKey(keysDir, pending); err != nil {
		return nil, "", err
	}
	return newKey, mnemonic, nil
}
