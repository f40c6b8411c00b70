package fsmrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quadgate/stateforge/pkg/snapshot"
)

type testEntity struct {
	state      State
	lastChange time.Time
	complete   bool
}

func (e *testEntity) CurrentState() State            { return e.state }
func (e *testEntity) SetCurrentState(s State)        { e.state = s }
func (e *testEntity) LastStateChange() time.Time     { return e.lastChange }
func (e *testEntity) SetLastStateChange(t time.Time) { e.lastChange = t }
func (e *testEntity) Complete() bool                 { return e.complete }
func (e *testEntity) SetComplete(v bool)             { e.complete = v }

type recordingRecorder struct{ records []snapshot.Record }

func (r *recordingRecorder) Record(rec snapshot.Record) { r.records = append(r.records, rec) }

type openEvent struct{}
type closeEvent struct{}
type pingEvent struct{}

func buildDoorDefinition(t *testing.T) *Definition {
	t.Helper()
	b := NewBuilder("CLOSED")
	b.State("CLOSED").
		On(openEvent{}, "OPEN").
		On(closeEvent{}, "CLOSED")
	b.State("OPEN").
		On(closeEvent{}, "CLOSED").
		On(openEvent{}, "OPEN").
		Stay(pingEvent{}, func(ctx context.Context, m *Machine, event Event) error { return nil })
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func TestFireFirstDeclaredWins(t *testing.T) {
	b := NewBuilder("CLOSED")
	b.State("CLOSED").
		On(openEvent{}, "OPEN").
		On(openEvent{}, "CLOSED")
	b.State("OPEN")
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ent := &testEntity{state: "CLOSED"}
	m := New("door-1", def, ent)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	applied, err := m.Fire(context.Background(), openEvent{})
	if err != nil || !applied {
		t.Fatalf("fire open: applied=%v err=%v", applied, err)
	}
	if ent.CurrentState() != "OPEN" {
		t.Fatalf("expected OPEN, got %s", ent.CurrentState())
	}
}

func TestFireUnmatchedEventDiscarded(t *testing.T) {
	def := buildDoorDefinition(t)
	ent := &testEntity{state: "CLOSED"}
	m := New("door-2", def, ent)
	_ = m.Start(context.Background())

	before := ent.LastStateChange()
	applied, err := m.Fire(context.Background(), pingEvent{})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if applied {
		t.Fatalf("expected unmatched event to be discarded")
	}
	if !ent.LastStateChange().Equal(before) {
		t.Fatalf("lastStateChange must not move on a discarded event")
	}
}

func TestFireStayTransitionSkipsEntryExit(t *testing.T) {
	var exitRan, enterRan bool
	b := NewBuilder("OPEN")
	b.State("OPEN").
		OnExit(func(ctx context.Context, m *Machine, event Event) error { exitRan = true; return nil }).
		OnEnter(func(ctx context.Context, m *Machine, event Event) error { enterRan = true; return nil }).
		Stay(pingEvent{}, func(ctx context.Context, m *Machine, event Event) error { return nil })
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ent := &testEntity{state: "OPEN"}
	rec := &recordingRecorder{}
	m := New("door-3", def, ent, WithRecorder(rec))
	_ = m.Start(context.Background())
	enterRan = false // reset after Start's own initial entry

	applied, err := m.Fire(context.Background(), pingEvent{})
	if err != nil || !applied {
		t.Fatalf("fire stay: applied=%v err=%v", applied, err)
	}
	if exitRan || enterRan {
		t.Fatalf("stay transition must run neither exit nor entry, exitRan=%v enterRan=%v", exitRan, enterRan)
	}
	if ent.CurrentState() != "OPEN" {
		t.Fatalf("stay transition must not change state, got %s", ent.CurrentState())
	}
	last := rec.records[len(rec.records)-1]
	if last.StateBefore != "OPEN" || last.StateAfter != "OPEN" {
		t.Fatalf("stay snapshot should report same before/after state, got %+v", last)
	}
}

func TestFireSelfTransitionRunsEntryExit(t *testing.T) {
	ent := &testEntity{state: "OPEN"}
	var exitRan, enterRan bool
	b := NewBuilder("OPEN")
	b.State("OPEN").
		OnExit(func(ctx context.Context, m *Machine, event Event) error { exitRan = true; return nil }).
		OnEnter(func(ctx context.Context, m *Machine, event Event) error { enterRan = true; return nil }).
		On(openEvent{}, "OPEN")
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := New("door-4", def, ent)
	_ = m.Start(context.Background())
	enterRan = false // reset after Start's own initial entry

	applied, err := m.Fire(context.Background(), openEvent{})
	if err != nil || !applied {
		t.Fatalf("fire self: applied=%v err=%v", applied, err)
	}
	if !exitRan || !enterRan {
		t.Fatalf("self-transition must run both exit and entry, exitRan=%v enterRan=%v", exitRan, enterRan)
	}
}

func TestFireFatalEntryActionRollsBack(t *testing.T) {
	ent := &testEntity{state: "CLOSED", lastChange: time.Now().Add(-time.Hour)}
	b := NewBuilder("CLOSED")
	b.State("CLOSED").On(openEvent{}, "OPEN")
	b.State("OPEN").OnEnter(func(ctx context.Context, m *Machine, event Event) error {
		return errors.New("boom")
	})
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := New("door-5", def, ent)
	_ = m.Start(context.Background())
	prevChange := ent.LastStateChange()

	applied, err := m.Fire(context.Background(), openEvent{})
	if err == nil || applied {
		t.Fatalf("expected fatal entry action to fail the transition, applied=%v err=%v", applied, err)
	}
	if ent.CurrentState() != "CLOSED" {
		t.Fatalf("expected rollback to CLOSED, got %s", ent.CurrentState())
	}
	if !ent.LastStateChange().Equal(prevChange) {
		t.Fatalf("lastStateChange must be reverted on rollback")
	}
}

func TestFireOnCompletedMachineIsNoop(t *testing.T) {
	def := buildDoorDefinition(t)
	ent := &testEntity{state: "CLOSED", complete: true}
	m := New("door-6", def, ent)

	applied, err := m.Fire(context.Background(), openEvent{})
	if err != nil || applied {
		t.Fatalf("fire on completed machine should be a no-op, applied=%v err=%v", applied, err)
	}
}

func TestFinalTransitionMarksComplete(t *testing.T) {
	b := NewBuilder("OPEN")
	b.State("OPEN").On(closeEvent{}, "DONE")
	b.State("DONE").Final()
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ent := &testEntity{state: "OPEN"}
	m := New("door-7", def, ent)
	_ = m.Start(context.Background())

	applied, err := m.Fire(context.Background(), closeEvent{})
	if err != nil || !applied {
		t.Fatalf("fire: applied=%v err=%v", applied, err)
	}
	if !ent.Complete() {
		t.Fatalf("expected entity marked complete after entering a final state")
	}
}

type contextEntity struct {
	testEntity
	label string
}

func (e *contextEntity) DomainContext() interface{} { return e.label }

func TestFireRecordsDomainContextBeforeAndAfter(t *testing.T) {
	b := NewBuilder("OPEN")
	b.State("OPEN").
		On(closeEvent{}, "CLOSED").
		OnExit(func(ctx context.Context, m *Machine, event Event) error {
			m.Entity().(*contextEntity).label = "leaving-open"
			return nil
		})
	b.State("CLOSED").
		OnEnter(func(ctx context.Context, m *Machine, event Event) error {
			m.Entity().(*contextEntity).label = "entered-closed"
			return nil
		})
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ent := &contextEntity{testEntity: testEntity{state: "OPEN"}, label: "initial"}
	rec := &recordingRecorder{}
	m := New("door-9", def, ent, WithRecorder(rec))
	_ = m.Start(context.Background())

	applied, err := m.Fire(context.Background(), closeEvent{})
	if err != nil || !applied {
		t.Fatalf("fire: applied=%v err=%v", applied, err)
	}
	last := rec.records[len(rec.records)-1]
	if last.ContextBefore != "initial" {
		t.Fatalf("expected ContextBefore captured before the exit action ran, got %v", last.ContextBefore)
	}
	if last.ContextAfter != "entered-closed" {
		t.Fatalf("expected ContextAfter captured after the entry action ran, got %v", last.ContextAfter)
	}
}

type fakeRegistryBridge struct {
	before, after snapshot.RegistryStatus
	calls         int
}

func (b *fakeRegistryBridge) NotifyEvictable(ctx context.Context, machineID string) {}

func (b *fakeRegistryBridge) Status(ctx context.Context, machineID string) snapshot.RegistryStatus {
	b.calls++
	if b.calls == 1 {
		return b.before
	}
	return b.after
}

func TestFireRecordsRegistryStatusBeforeAndAfter(t *testing.T) {
	def := buildDoorDefinition(t)
	ent := &testEntity{state: "CLOSED"}
	rec := &recordingRecorder{}
	bridge := &fakeRegistryBridge{before: snapshot.StatusActive, after: snapshot.StatusInactive}
	m := New("door-10", def, ent, WithRecorder(rec), WithRegistryBridge(bridge))
	_ = m.Start(context.Background())
	bridge.calls = 0 // only the Fire call below is under test

	applied, err := m.Fire(context.Background(), openEvent{})
	if err != nil || !applied {
		t.Fatalf("fire: applied=%v err=%v", applied, err)
	}
	last := rec.records[len(rec.records)-1]
	if last.RegistryBefore != snapshot.StatusActive {
		t.Fatalf("expected RegistryBefore %q, got %q", snapshot.StatusActive, last.RegistryBefore)
	}
	if last.RegistryAfter != snapshot.StatusInactive {
		t.Fatalf("expected RegistryAfter %q, got %q", snapshot.StatusInactive, last.RegistryAfter)
	}
}

func TestEvaluateTimeoutOnRestoreFiresWhenAlreadyDue(t *testing.T) {
	b := NewBuilder("WAITING")
	b.State("WAITING").Timeout(TimeoutSpec{Duration: time.Minute, Target: "EXPIRED"})
	b.State("EXPIRED")
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ent := &testEntity{state: "WAITING", lastChange: time.Now().Add(-2 * time.Minute)}
	rec := &recordingRecorder{}
	m := New("door-8", def, ent, WithRecorder(rec))
	if err := m.RestoreState("WAITING"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := m.EvaluateTimeoutOnRestore(context.Background()); err != nil {
		t.Fatalf("evaluate timeout: %v", err)
	}
	if ent.CurrentState() != "EXPIRED" {
		t.Fatalf("expected synthetic timeout transition to EXPIRED, got %s", ent.CurrentState())
	}
	if len(rec.records) == 0 {
		t.Fatalf("expected a snapshot emitted for the synthetic timeout transition")
	}
}
