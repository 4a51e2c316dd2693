package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/todopro/todopro/internal/crypto"
	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Active != "local" {
		t.Fatalf("default active = %q, want %q", cfg.Active, "local")
	}
	if cfg.Strategy != "merge" {
		t.Fatalf("default strategy = %q, want %q", cfg.Strategy, "merge")
	}
	if len(cfg.Contexts) != 1 || cfg.Contexts[0].Type != TypeLocal {
		t.Fatalf("default contexts = %+v, want one local context", cfg.Contexts)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Active = "work"
	cfg.Strategy = "remote-wins"
	cfg.Contexts = append(cfg.Contexts, Context{
		Name:      "work",
		Type:      TypeRemote,
		Endpoint:  "https://api.example.com",
		Token:     "secret",
		Encrypted: true,
	})

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Active != "work" || loaded.Strategy != "remote-wins" {
		t.Fatalf("loaded %+v, lost top-level fields", loaded)
	}
	if len(loaded.Contexts) != 2 {
		t.Fatalf("loaded %d contexts, want 2", len(loaded.Contexts))
	}
	work := loaded.Contexts[1]
	if work.Endpoint != "https://api.example.com" || !work.Encrypted {
		t.Fatalf("remote context did not round-trip: %+v", work)
	}
}

func TestLoadRejectsInvalidContext(t *testing.T) {
	dir := t.TempDir()
	raw := "active = \"bad\"\n\n[[contexts]]\nname = \"bad\"\ntype = \"carrier-pigeon\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted a context with an unknown type")
	}
}

func TestManagerAddRejectsDuplicate(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	err = m.Add(Context{Name: "local", Type: TypeLocal})
	if err == nil {
		t.Fatal("Add accepted a duplicate context name")
	}
}

func TestManagerRemoveActiveRefused(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	err = m.Remove("local")
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("Remove(active) error = %v, want ErrInvalidOperation", err)
	}
}

func TestManagerSwitchThenRemove(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Add(Context{Name: "scratch", Type: TypeLocal}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.SetActive("scratch"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := m.Remove("local"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Context("local"); err == nil {
		t.Fatal("removed context still resolvable")
	}

	// The change survived the save.
	reloaded, err := NewManager(m.Dir())
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	if active, err := reloaded.Active(); err != nil || active.Name != "scratch" {
		t.Fatalf("reloaded active = %+v (%v), want scratch", active, err)
	}
}

func TestOpenLocalContext(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	repo, err := m.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	task, err := repo.Create(context.Background(), model.NewTask("hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.SyncMeta().Origin != "local" {
		t.Fatalf("origin = %q, want context name", task.SyncMeta().Origin)
	}

	// The database landed inside the config directory.
	if _, err := os.Stat(filepath.Join(m.Dir(), "local.db")); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestOpenEncryptedWithoutKeyFails(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Add(Context{Name: "sealed", Type: TypeLocal, Encrypted: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.Open("sealed"); err == nil {
		t.Fatal("Open succeeded for an encrypted context with no key on disk")
	}
}

func TestOpenEncryptedRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Add(Context{Name: "sealed", Type: TypeLocal, Encrypted: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, key, err := crypto.NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}
	if err := crypto.SaveKey(m.KeysDir(), "sealed", key); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	repo, err := m.Open("sealed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	created, err := repo.Create(context.Background(), model.NewTask("secret plans"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.GetByID(context.Background(), model.KindTask, created.EntityID())
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.(*model.Task).Content != "secret plans" {
		t.Fatalf("content = %q, want plaintext back", got.(*model.Task).Content)
	}
}

func TestOpenRawBypassesEncryption(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Add(Context{Name: "sealed", Type: TypeLocal}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, key, err := crypto.NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}
	if err := crypto.SaveKey(m.KeysDir(), "sealed", key); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	if err := m.SetEncrypted("sealed", true); err != nil {
		t.Fatalf("SetEncrypted: %v", err)
	}
	if c, _ := m.Context("sealed"); !c.Encrypted {
		t.Fatal("SetEncrypted did not stick")
	}

	repo, err := m.Open("sealed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	created, err := repo.Create(context.Background(), model.NewTask("secret plans"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.Close()

	// The raw view sees ciphertext, which is what key management works on.
	raw, err := m.OpenRaw("sealed")
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	defer raw.Close()
	got, err := raw.GetByID(context.Background(), model.KindTask, created.EntityID())
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if content := got.(*model.Task).Content; !crypto.IsEncrypted(content) {
		t.Fatalf("raw content = %q, want ciphertext", content)
	}
}

func TestOpenSyncRejectsRemote(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Add(Context{Name: "cloud", Type: TypeRemote, Endpoint: "https://api.example.com"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.OpenSync("cloud"); !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("OpenSync(remote) error = %v, want ErrInvalidOperation", err)
	}
}
