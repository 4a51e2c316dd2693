// Package crypto implements client-side field encryption: AES-256-GCM
// envelopes for sensitive entity fields, key derivation from a 24-word
// recovery mnemonic, and key file management per context.
//
// The remote store only ever observes ciphertext. Losing both the key file
// and the mnemonic makes encrypted data permanently unrecoverable; that is
// the zero-knowledge design, not a defect.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length (96 bits, the recommended size).
	NonceSize = 12
	// TagSize is the GCM authentication tag length (128 bits).
	TagSize = 16

	// fieldPrefix marks an encrypted field value so plaintext and
	// ciphertext can be told apart in any store.
	fieldPrefix = "e2ee:v1:"
)

// AuthError reports an authentication failure while decrypting: wrong key,
// truncated envelope, or tampered ciphertext. Decryption fails closed;
// partially decrypted data is never returned.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Envelope is the serialized form of one encrypted field. All members are
// base64-encoded. Version allows future cipher migrations.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	AuthTag    string `json:"auth_tag"`
	Version    string `json:"version"`
}

// EncryptField encrypts plaintext under key with AES-256-GCM and returns
// the marked, serialized envelope.
//
// A fresh random nonce is drawn from crypto/rand on every call. Nonces must
// never repeat under the same key; random nonces (rather than a counter
// shared across processes) make reuse statistically impossible for the
// volumes a task client handles.
func EncryptField(plaintext string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	// Seal appends the tag to the ciphertext; store them separately so the
	// envelope matches the wire format shared with other clients.
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	env := Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Version:    "1",
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return fieldPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecryptField reverses EncryptField. A value without the encryption marker
// is returned unchanged (plaintext stores and mixed reads during migration).
// Tag mismatch yields *AuthError, never garbage plaintext.
func DecryptField(value string, key []byte) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, fieldPrefix))
	if err != nil {
		return "", &AuthError{Cause: fmt.Errorf("malformed envelope: %w", err)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &AuthError{Cause: fmt.Errorf("malformed envelope: %w", err)}
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", &AuthError{Cause: fmt.Errorf("malformed ciphertext: %w", err)}
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", &AuthError{Cause: fmt.Errorf("malformed nonce: %w", err)}
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return "", &AuthError{Cause: fmt.Errorf("malformed auth tag: %w", err)}
	}
	if len(nonce) != NonceSize {
		return "", &AuthError{Cause: fmt.Errorf("nonce size %d, want %d", len(nonce), NonceSize)}
	}
	if len(tag) != TagSize {
		return "", &AuthError{Cause: fmt.Errorf("auth tag size %d, want %d", len(tag), TagSize)}
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &AuthError{Cause: err}
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the encrypted field marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, fieldPrefix)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (got %d)", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return aead, nil
}
