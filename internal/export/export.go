// Package export writes and reads YAML backups of a repository. A backup is
// a plain, human-readable snapshot: projects, labels, and tasks with their
// sync metadata, suitable for version control or migration between contexts.
// Backups taken through an encrypted repository contain plaintext; that is
// the point of an export, and the command that writes one says so.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

// FormatVersion is bumped when the backup layout changes incompatibly.
const FormatVersion = 1

// Backup is the serialized snapshot.
type Backup struct {
	Version    int              `yaml:"version"`
	ExportedAt time.Time        `yaml:"exported_at"`
	Projects   []*model.Project `yaml:"projects,omitempty"`
	Labels     []*model.Label   `yaml:"labels,omitempty"`
	Tasks      []*model.Task    `yaml:"tasks,omitempty"`
}

// Snapshot reads every live entity from repo into a Backup. Tombstones are
// not exported; a backup restores data, not deletion history.
func Snapshot(ctx context.Context, repo store.Repository) (*Backup, error) {
	b := &Backup{Version: FormatVersion, ExportedAt: time.Now().UTC()}

	projects, err := repo.GetAll(ctx, model.KindProject, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	for _, e := range projects {
		b.Projects = append(b.Projects, e.(*model.Project))
	}

	labels, err := repo.GetAll(ctx, model.KindLabel, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	for _, e := range labels {
		b.Labels = append(b.Labels, e.(*model.Label))
	}

	tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	for _, e := range tasks {
		b.Tasks = append(b.Tasks, e.(*model.Task))
	}
	return b, nil
}

// Write serializes a snapshot of repo to w.
func Write(ctx context.Context, repo store.Repository, w io.Writer) error {
	b, err := Snapshot(ctx, repo)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	return enc.Close()
}

// Read parses a backup from r.
func Read(r io.Reader) (*Backup, error) {
	var b Backup
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	if b.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported backup version %d (this build reads version %d)",
			b.Version, FormatVersion)
	}
	return &b, nil
}

// Result tallies what a restore did.
type Result struct {
	Created int
	Updated int
	Skipped int
}

// Restore applies a backup to repo, projects and labels before tasks so
// references resolve. Entities are matched by id: missing ones are created,
// existing ones overwritten (the stored version advances, so a later sync
// propagates the restored state). The inbox project always exists and is
// never overwritten.
func Restore(ctx context.Context, repo store.Repository, b *Backup) (Result, error) {
	var res Result

	var entities []model.Entity
	for _, p := range b.Projects {
		entities = append(entities, p)
	}
	for _, l := range b.Labels {
		entities = append(entities, l)
	}
	for _, t := range b.Tasks {
		entities = append(entities, t)
	}

	for _, e := range entities {
		if e.Kind() == model.KindProject && e.EntityID() == model.InboxProjectID {
			res.Skipped++
			continue
		}
		if err := restoreEntity(ctx, repo, e, &res); err != nil {
			return res, fmt.Errorf("failed to restore %s %s: %w", e.Kind(), e.EntityID(), err)
		}
	}
	return res, nil
}

func restoreEntity(ctx context.Context, repo store.Repository, e model.Entity, res *Result) error {
	current, err := repo.GetByID(ctx, e.Kind(), e.EntityID())
	if errors.Is(err, store.ErrNotFound) {
		restored := e.Clone()
		if _, err := repo.Create(ctx, restored); err != nil {
			return err
		}
		res.Created++
		return nil
	}
	if err != nil {
		return err
	}

	restored := e.Clone()
	// Carry a version above the stored one so the overwrite never looks
	// like a stale write to the sync engine.
	if restored.SyncMeta().Version <= current.SyncMeta().Version {
		restored.SyncMeta().Version = current.SyncMeta().Version + 1
	}
	restored.SyncMeta().Touch()
	if _, err := repo.Update(ctx, restored, current.SyncMeta().Version); err != nil {
		return err
	}
	res.Updated++
	return nil
}
