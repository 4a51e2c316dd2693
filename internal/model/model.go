// Package model defines the entities synchronized between backends: tasks,
// projects, and labels, each carrying the sync metadata (version, timestamps,
// tombstone flag) that conflict detection relies on.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity type stored in a repository.
type Kind string

const (
	KindTask    Kind = "task"
	KindProject Kind = "project"
	KindLabel   Kind = "label"
)

// Kinds lists all entity kinds in dependency order: projects and labels
// before tasks, so that references resolve when applying changes in order.
var Kinds = []Kind{KindProject, KindLabel, KindTask}

// InboxProjectID is the fixed id of the default project. Every task without
// an explicit project belongs to it. The inbox cannot be deleted, archived,
// or renamed.
const InboxProjectID = "inbox"

// Meta carries the sync metadata shared by all entity kinds.
//
// Version is a change token incremented on every mutation and used for
// optimistic compare-and-swap. UpdatedAt advances monotonically per entity;
// a merged copy never regresses it. Deleted marks a tombstone: deletions are
// soft until the tombstone has propagated to all replicas and is purged.
// Origin records which context last wrote the record, for conflict diagnostics.
type Meta struct {
	Version   int       `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Origin    string    `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Touch refreshes UpdatedAt, keeping it strictly monotonic even when the
// wall clock has not advanced since the previous mutation.
func (m *Meta) Touch() {
	now := time.Now().UTC()
	if !now.After(m.UpdatedAt) {
		now = m.UpdatedAt.Add(time.Microsecond)
	}
	m.UpdatedAt = now
}

// Entity is implemented by Task, Project, and Label. Repositories are
// polymorphic over it; the sync engine never inspects anything beyond this
// interface plus the per-kind field sets in the merge policy.
type Entity interface {
	Kind() Kind
	EntityID() string
	SyncMeta() *Meta
	Validate() error
	Clone() Entity
}

// Task is a single to-do item.
type Task struct {
	ID          string     `json:"id" yaml:"id"`
	Content     string     `json:"content" yaml:"content"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	ProjectID   string     `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	LabelIDs    []string   `json:"label_ids,omitempty" yaml:"label_ids,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty" yaml:"due_at,omitempty"`
	Priority    int        `json:"priority" yaml:"priority"` // 1 (lowest) to 4 (urgent)
	Completed   bool       `json:"completed" yaml:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	Meta `yaml:",inline"`
}

func (t *Task) Kind() Kind       { return KindTask }
func (t *Task) EntityID() string { return t.ID }
func (t *Task) SyncMeta() *Meta  { return &t.Meta }

// Validate checks field constraints. Content may be ciphertext at this
// point, so only emptiness and numeric bounds are checked.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Content == "" {
		return fmt.Errorf("content is required")
	}
	if t.Priority < 1 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 1 and 4 (got %d)", t.Priority)
	}
	return nil
}

func (t *Task) Clone() Entity {
	c := *t
	if t.LabelIDs != nil {
		c.LabelIDs = append([]string(nil), t.LabelIDs...)
	}
	if t.DueAt != nil {
		due := *t.DueAt
		c.DueAt = &due
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}

// Project groups tasks. The inbox project always exists.
type Project struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Color       string `json:"color,omitempty" yaml:"color,omitempty"`
	Archived    bool   `json:"archived,omitempty" yaml:"archived,omitempty"`
	Favorite    bool   `json:"favorite,omitempty" yaml:"favorite,omitempty"`

	Meta `yaml:",inline"`
}

func (p *Project) Kind() Kind       { return KindProject }
func (p *Project) EntityID() string { return p.ID }
func (p *Project) SyncMeta() *Meta  { return &p.Meta }

func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.ID == InboxProjectID && (p.Archived || p.Deleted) {
		return fmt.Errorf("the inbox project cannot be archived or deleted")
	}
	return nil
}

func (p *Project) Clone() Entity {
	c := *p
	return &c
}

// Label is a tag attachable to any number of tasks.
type Label struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Color    string `json:"color,omitempty" yaml:"color,omitempty"`
	Favorite bool   `json:"favorite,omitempty" yaml:"favorite,omitempty"`

	Meta `yaml:",inline"`
}

func (l *Label) Kind() Kind       { return KindLabel }
func (l *Label) EntityID() string { return l.ID }
func (l *Label) SyncMeta() *Meta  { return &l.Meta }

func (l *Label) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func (l *Label) Clone() Entity {
	c := *l
	return &c
}

// New returns an empty entity of the given kind, used when decoding rows or
// wire payloads into the right concrete type.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindTask:
		return &Task{}, nil
	case KindProject:
		return &Project{}, nil
	case KindLabel:
		return &Label{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// NewID generates a globally unique entity id. Ids are client-generated so
// that creation works offline.
func NewID() string {
	return uuid.NewString()
}

// NewTask constructs a task ready for Repository.Create: fresh id, inbox
// project fallback, version left at zero for the store to initialize.
func NewTask(content string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		Content:   content,
		ProjectID: InboxProjectID,
		Priority:  1,
		Meta:      Meta{CreatedAt: now, UpdatedAt: now},
	}
}

// NewProject constructs a project ready for Repository.Create.
func NewProject(name string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:   NewID(),
		Name: name,
		Meta: Meta{CreatedAt: now, UpdatedAt: now},
	}
}

// NewLabel constructs a label ready for Repository.Create.
func NewLabel(name string) *Label {
	now := time.Now().UTC()
	return &Label{
		ID:   NewID(),
		Name: name,
		Meta: Meta{CreatedAt: now, UpdatedAt: now},
	}
}

// Inbox returns the default project record created at store initialization.
func Inbox() *Project {
	now := time.Now().UTC()
	return &Project{
		ID:   InboxProjectID,
		Name: "Inbox",
		Meta: Meta{CreatedAt: now, UpdatedAt: now},
	}
}
