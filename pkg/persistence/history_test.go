package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/quadgate/stateforge/pkg/appendlog"
	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/fsmrt"
)

type historyTestEntity struct {
	state    fsmrt.State
	changed  time.Time
	complete bool
}

func (e *historyTestEntity) CurrentState() fsmrt.State      { return e.state }
func (e *historyTestEntity) SetCurrentState(s fsmrt.State)  { e.state = s }
func (e *historyTestEntity) LastStateChange() time.Time     { return e.changed }
func (e *historyTestEntity) SetLastStateChange(t time.Time) { e.changed = t }
func (e *historyTestEntity) Complete() bool                 { return e.complete }
func (e *historyTestEntity) SetComplete(v bool)             { e.complete = v }

func newTestFSStore(t *testing.T) appendlog.Store {
	t.Helper()
	store, err := appendlog.NewFSStore(appendlog.DefaultFSStoreConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open fs store: %v", err)
	}
	return store
}

func TestHistoryAppendDelegatesSaveAndLoad(t *testing.T) {
	inner := NewMemory()
	store := newTestFSStore(t)
	h := NewHistoryAppend(inner, store, corelog.NewDefaultLogger())

	ent := &historyTestEntity{state: "RUNNING", changed: time.Now()}
	if err := h.Save(context.Background(), "m1", ent); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := h.Load(context.Background(), "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentState() != "RUNNING" {
		t.Fatalf("expected delegated load to return RUNNING, got %s", loaded.CurrentState())
	}
}

func TestHistoryAppendRecordsEveryTransition(t *testing.T) {
	inner := NewMemory()
	store := newTestFSStore(t)
	h := NewHistoryAppend(inner, store, corelog.NewDefaultLogger())

	states := []fsmrt.State{"IDLE", "RUNNING", "DONE"}
	for _, s := range states {
		ent := &historyTestEntity{state: s, changed: time.Now()}
		if err := h.Save(context.Background(), "m1", ent); err != nil {
			t.Fatalf("save %s: %v", s, err)
		}
	}

	rows, err := h.History("m1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != len(states) {
		t.Fatalf("expected %d audit rows, got %d", len(states), len(rows))
	}
	for i, s := range states {
		if rows[i].State != string(s) {
			t.Fatalf("expected row %d state %s, got %s", i, s, rows[i].State)
		}
	}
}

func TestHistoryAppendFiltersByMachineID(t *testing.T) {
	inner := NewMemory()
	store := newTestFSStore(t)
	h := NewHistoryAppend(inner, store, corelog.NewDefaultLogger())

	if err := h.Save(context.Background(), "m1", &historyTestEntity{state: "IDLE", changed: time.Now()}); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	if err := h.Save(context.Background(), "m2", &historyTestEntity{state: "IDLE", changed: time.Now()}); err != nil {
		t.Fatalf("save m2: %v", err)
	}

	rows, err := h.History("m2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row for m2, got %d", len(rows))
	}
}
