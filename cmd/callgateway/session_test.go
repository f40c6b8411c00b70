package main

import (
	"context"
	"testing"
	"time"

	"github.com/quadgate/stateforge/pkg/fsmrt"
	"github.com/quadgate/stateforge/pkg/registry"
)

func callFactory(id string) registry.Factory {
	return func() (*fsmrt.Definition, fsmrt.Entity) {
		def, err := buildCallDefinition()
		if err != nil {
			panic(err)
		}
		return def, newCallSession(id)
	}
}

// TestCallLifecycleIncomingAnswerHangup drives a call leg through every
// declared state in order: idle, ringing, connected, final, asserting the
// entity fields each entry action is responsible for populating.
func TestCallLifecycleIncomingAnswerHangup(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())

	m, err := reg.Create(context.Background(), "call-1", callFactory("call-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.CurrentState() != StateIdle {
		t.Fatalf("expected initial state IDLE, got %s", m.CurrentState())
	}

	applied, err := reg.Route(context.Background(), "call-1", Incoming{From: "+15550100", To: "+15550199"}, callFactory("call-1"))
	if err != nil || !applied {
		t.Fatalf("route incoming: applied=%v err=%v", applied, err)
	}
	mach, ok := reg.Get("call-1")
	if !ok {
		t.Fatalf("expected call-1 resident after ringing")
	}
	if mach.CurrentState() != StateRinging {
		t.Fatalf("expected RINGING, got %s", mach.CurrentState())
	}
	sess, ok := mach.Entity().(*CallSession)
	if !ok {
		t.Fatalf("expected entity to be a *CallSession")
	}
	if sess.From != "+15550100" || sess.To != "+15550199" {
		t.Fatalf("expected From/To captured on entry to RINGING, got %q/%q", sess.From, sess.To)
	}

	applied, err = reg.Route(context.Background(), "call-1", Answer{}, callFactory("call-1"))
	if err != nil || !applied {
		t.Fatalf("route answer: applied=%v err=%v", applied, err)
	}
	mach, _ = reg.Get("call-1")
	if mach.CurrentState() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", mach.CurrentState())
	}
	sess = mach.Entity().(*CallSession)
	if sess.AnsweredAt.IsZero() {
		t.Fatalf("expected AnsweredAt set on entry to CONNECTED")
	}

	applied, err = reg.Route(context.Background(), "call-1", Hangup{Cause: "normal"}, callFactory("call-1"))
	if err != nil || !applied {
		t.Fatalf("route hangup: applied=%v err=%v", applied, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if !reg.IsInMemory("call-1") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected call-1 to be evicted after reaching FINAL")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRingingTimeoutAutoEvictsToFinal exercises the ringing state's declared
// timeout by rehydrating a machine whose last change is already past it.
func TestRingingTimeoutAutoEvictsToFinal(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())

	session := newCallSession("call-2")
	session.State = StateRinging
	session.LastChange = time.Now().Add(-time.Minute)

	loader := func(ctx context.Context, id string) (fsmrt.Entity, error) {
		return session, nil
	}

	m, err := reg.CreateOrGet(context.Background(), "call-2", callFactory("call-2"), loader)
	if err != nil {
		t.Fatalf("create or get: %v", err)
	}
	if m == nil {
		t.Fatalf("expected a non-nil machine for an incomplete rehydrated record")
	}
	if m.CurrentState() != StateFinal {
		t.Fatalf("expected rehydration to fire the already-due ringing timeout into FINAL, got %s", m.CurrentState())
	}
}

// TestHangupWhileRingingSkipsConnected asserts the direct RINGING->FINAL
// transition is reachable without ever visiting CONNECTED.
func TestHangupWhileRingingSkipsConnected(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())

	if _, err := reg.Create(context.Background(), "call-3", callFactory("call-3")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Route(context.Background(), "call-3", Incoming{From: "a", To: "b"}, callFactory("call-3")); err != nil {
		t.Fatalf("route incoming: %v", err)
	}
	applied, err := reg.Route(context.Background(), "call-3", Hangup{Cause: "caller-abandoned"}, callFactory("call-3"))
	if err != nil || !applied {
		t.Fatalf("route hangup while ringing: applied=%v err=%v", applied, err)
	}
}
