package model

import (
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	task := NewTask("write release notes")
	if err := task.Validate(); err != nil {
		t.Fatalf("Validate() failed for a fresh task: %v", err)
	}

	task.Content = ""
	if err := task.Validate(); err == nil {
		t.Error("Validate() accepted empty content")
	}

	task = NewTask("x")
	task.Priority = 5
	if err := task.Validate(); err == nil {
		t.Error("Validate() accepted priority 5")
	}
	task.Priority = 0
	if err := task.Validate(); err == nil {
		t.Error("Validate() accepted priority 0")
	}
}

func TestInboxProtected(t *testing.T) {
	inbox := Inbox()
	if err := inbox.Validate(); err != nil {
		t.Fatalf("Validate() failed for inbox: %v", err)
	}

	inbox.Archived = true
	if err := inbox.Validate(); err == nil {
		t.Error("Validate() accepted an archived inbox")
	}

	inbox.Archived = false
	inbox.Deleted = true
	if err := inbox.Validate(); err == nil {
		t.Error("Validate() accepted a deleted inbox")
	}
}

func TestMetaTouchMonotonic(t *testing.T) {
	m := Meta{UpdatedAt: time.Now().UTC()}
	prev := m.UpdatedAt
	for i := 0; i < 100; i++ {
		m.Touch()
		if !m.UpdatedAt.After(prev) {
			t.Fatalf("Touch() did not advance UpdatedAt: %v -> %v", prev, m.UpdatedAt)
		}
		prev = m.UpdatedAt
	}
}

func TestCloneIsDeep(t *testing.T) {
	due := time.Now().UTC()
	task := NewTask("original")
	task.LabelIDs = []string{"a", "b"}
	task.DueAt = &due

	clone := task.Clone().(*Task)
	clone.LabelIDs[0] = "changed"
	*clone.DueAt = due.Add(time.Hour)

	if task.LabelIDs[0] != "a" {
		t.Error("Clone() shares the LabelIDs slice")
	}
	if !task.DueAt.Equal(due) {
		t.Error("Clone() shares the DueAt pointer")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("NewID() returned empty id")
		}
		if seen[id] {
			t.Fatalf("NewID() repeated id %s", id)
		}
		seen[id] = true
	}
}

func TestNewByKind(t *testing.T) {
	for _, kind := range Kinds {
		e, err := New(kind)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", kind, err)
		}
		if e.Kind() != kind {
			t.Errorf("New(%s).Kind() = %s", kind, e.Kind())
		}
	}
	if _, err := New(Kind("bogus")); err == nil {
		t.Error("New() accepted an unknown kind")
	}
}
