package persistence

import (
	"context"
	"testing"
	"time"
)

func TestMemorySaveLoadRoundTrip(t *testing.T) {
	m := NewMemory()
	ent := &historyTestEntity{state: "RUNNING", changed: time.Now(), complete: false}
	if err := m.Save(context.Background(), "m1", ent); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := m.Load(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentState() != "RUNNING" {
		t.Fatalf("expected RUNNING, got %s", loaded.CurrentState())
	}
}

func TestMemoryLoadMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDeleteRemovesRecord(t *testing.T) {
	m := NewMemory()
	ent := &historyTestEntity{state: "RUNNING", changed: time.Now()}
	if err := m.Save(context.Background(), "m1", ent); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Delete(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Load(context.Background(), "m1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryLoadReturnsIndependentClone(t *testing.T) {
	m := NewMemory()
	ent := &historyTestEntity{state: "RUNNING", changed: time.Now()}
	if err := m.Save(context.Background(), "m1", ent); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := m.Load(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first.SetCurrentState("MUTATED")
	second, err := m.Load(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if second.CurrentState() != "RUNNING" {
		t.Fatalf("expected stored record unaffected by mutating a loaded clone, got %s", second.CurrentState())
	}
}
