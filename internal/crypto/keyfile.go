package crypto

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key files hold the raw key, base64-encoded, one per context, under an
// access-restricted directory. The key is never transmitted anywhere.

// KeyPath returns the key file location for a named context.
func KeyPath(keysDir, contextName string) string {
	return filepath.Join(keysDir, contextName+".key")
}

// SaveKey writes key to the context's key file with owner-only permissions.
// The write goes through a temp file and rename so a crash mid-write never
// leaves a truncated key behind.
func SaveKey(keysDir, contextName string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key must be %d bytes (got %d)", KeySize, len(key))
	}
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	path := KeyPath(keysDir, contextName)
	tmp := path + ".tmp"
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(tmp, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

// LoadKey reads the context's key file.
func LoadKey(keysDir, contextName string) ([]byte, error) {
	path := KeyPath(keysDir, contextName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt key file %s: %w", path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("corrupt key file %s: %d bytes, want %d", path, len(key), KeySize)
	}
	return key, nil
}

// DeleteKey removes the context's key file. Missing files are not an error.
func DeleteKey(keysDir, contextName string) error {
	err := os.Remove(KeyPath(keysDir, contextName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key file: %w", err)
	}
	return nil
}
