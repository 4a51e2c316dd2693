package config

import (
	"fmt"
	"path/filepath"

	"github.com/todopro/todopro/internal/crypto"
	"github.com/todopro/todopro/internal/store"
	"github.com/todopro/todopro/internal/store/rest"
	"github.com/todopro/todopro/internal/store/sqlite"
)

// Manager ties the config file to live repositories: it resolves context
// names to backends, loads encryption keys, and guards context mutations.
type Manager struct {
	dir string
	cfg *Config
}

// NewManager loads the configuration under dir.
func NewManager(dir string) (*Manager, error) {
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{dir: dir, cfg: cfg}, nil
}

// Dir returns the config directory.
func (m *Manager) Dir() string { return m.dir }

// KeysDir returns where per-context encryption keys live.
func (m *Manager) KeysDir() string { return filepath.Join(m.dir, "keys") }

// Config exposes the loaded configuration.
func (m *Manager) Config() *Config { return m.cfg }

// Save persists the current configuration.
func (m *Manager) Save() error { return Save(m.dir, m.cfg) }

// Contexts lists the configured contexts.
func (m *Manager) Contexts() []Context { return m.cfg.Contexts }

// Context looks a context up by name. An empty name means the active one.
func (m *Manager) Context(name string) (Context, error) {
	if name == "" {
		name = m.cfg.Active
	}
	for _, c := range m.cfg.Contexts {
		if c.Name == name {
			return c, nil
		}
	}
	return Context{}, fmt.Errorf("unknown context %q", name)
}

// Active returns the active context.
func (m *Manager) Active() (Context, error) {
	return m.Context(m.cfg.Active)
}

// SetActive switches the active context and saves.
func (m *Manager) SetActive(name string) error {
	if _, err := m.Context(name); err != nil {
		return err
	}
	m.cfg.Active = name
	return m.Save()
}

// Add registers a new context and saves. Duplicate names are rejected.
func (m *Manager) Add(c Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, existing := range m.cfg.Contexts {
		if existing.Name == c.Name {
			return fmt.Errorf("context %q already exists", c.Name)
		}
	}
	m.cfg.Contexts = append(m.cfg.Contexts, c)
	return m.Save()
}

// Remove drops a context and saves. The active context cannot be removed;
// switch first. The database file and key material are left on disk.
func (m *Manager) Remove(name string) error {
	if name == m.cfg.Active {
		return fmt.Errorf("%w: context %q is active, switch before removing it",
			store.ErrInvalidOperation, name)
	}
	for i, c := range m.cfg.Contexts {
		if c.Name == name {
			m.cfg.Contexts = append(m.cfg.Contexts[:i], m.cfg.Contexts[i+1:]...)
			return m.Save()
		}
	}
	return fmt.Errorf("unknown context %q", name)
}

// SetEncrypted flips a context's encryption marker and saves. The caller is
// responsible for having the key file and stored values in the matching
// state before flipping.
func (m *Manager) SetEncrypted(name string, on bool) error {
	for i, c := range m.cfg.Contexts {
		if c.Name == name {
			m.cfg.Contexts[i].Encrypted = on
			return m.Save()
		}
	}
	return fmt.Errorf("unknown context %q", name)
}

// databasePath resolves a local context's database file.
func (m *Manager) databasePath(c Context) string {
	path := c.Path
	if path == "" {
		path = c.Name + ".db"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	return path
}

// OpenRaw opens a context's repository without the encryption decorator.
// Key management (initial encryption, rotation) works on stored values
// directly and must not decrypt through the wrapper.
func (m *Manager) OpenRaw(name string) (store.Repository, error) {
	c, err := m.Context(name)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case TypeLocal:
		return sqlite.Open(m.databasePath(c), c.Name)
	case TypeRemote:
		return rest.New(rest.Config{
			Endpoint: c.Endpoint,
			Token:    c.Token,
			Origin:   c.Name,
		})
	default:
		return nil, fmt.Errorf("context %q has unknown type %q", c.Name, c.Type)
	}
}

// Open opens a context's repository. Encrypted contexts come back wrapped
// in the field-encryption decorator; a missing key file is an error, never
// a silent plaintext fallback.
func (m *Manager) Open(name string) (store.Repository, error) {
	c, err := m.Context(name)
	if err != nil {
		return nil, err
	}
	repo, err := m.OpenRaw(name)
	if err != nil {
		return nil, err
	}

	if c.Encrypted {
		key, err := crypto.LoadKey(m.KeysDir(), c.Name)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("context %q is encrypted but its key is unavailable: %w", c.Name, err)
		}
		repo = store.Encrypted(repo, key)
	}
	return repo, nil
}

// OpenSync opens a local context with its sync bookkeeping. Only local
// contexts persist sync state; asking for a remote one is an error.
func (m *Manager) OpenSync(name string) (store.SyncRepository, error) {
	c, err := m.Context(name)
	if err != nil {
		return nil, err
	}
	if c.Type != TypeLocal {
		return nil, fmt.Errorf("%w: context %q is not local, sync state lives on the local side",
			store.ErrInvalidOperation, c.Name)
	}
	repo, err := m.Open(name)
	if err != nil {
		return nil, err
	}
	sr, ok := repo.(store.SyncRepository)
	if !ok {
		repo.Close()
		return nil, fmt.Errorf("context %q does not support sync state", c.Name)
	}
	return sr, nil
}
