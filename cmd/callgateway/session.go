package main

import (
	"context"
	"time"

	"github.com/quadgate/stateforge/pkg/fsmrt"
)

// CallSession is the entity behind one telephony call leg. It satisfies
// fsmrt.Entity directly, the way a concrete domain record is expected to.
type CallSession struct {
	ID          string
	State       fsmrt.State
	LastChange  time.Time
	Done        bool
	From, To    string
	AnsweredAt  time.Time
	HangupCause string
}

func (c *CallSession) CurrentState() fsmrt.State      { return c.State }
func (c *CallSession) SetCurrentState(s fsmrt.State)  { c.State = s }
func (c *CallSession) LastStateChange() time.Time     { return c.LastChange }
func (c *CallSession) SetLastStateChange(t time.Time) { c.LastChange = t }
func (c *CallSession) Complete() bool                 { return c.Done }
func (c *CallSession) SetComplete(v bool)             { c.Done = v }

// DomainContext implements fsmrt.ContextProvider: a value copy of the
// call-leg fields a snapshot recorder cares about, so RedactingRecorder has
// something non-nil to digest and ChainRecorder delegates have something to
// inspect beyond bare state names.
func (c *CallSession) DomainContext() interface{} {
	cp := *c
	return &cp
}

// Incoming starts a call leg. Answer and Hangup drive it onward.
type Incoming struct{ From, To string }
type Answer struct{}
type Hangup struct{ Cause string }

const (
	StateIdle      fsmrt.State = "IDLE"
	StateRinging   fsmrt.State = "RINGING"
	StateConnected fsmrt.State = "CONNECTED"
	StateFinal     fsmrt.State = "FINAL"
)

// buildCallDefinition declares the call-leg template: idle until an Incoming
// event rings it, ringing is offline (the machine is evicted on entering it)
// and times out to final if left unanswered for 30s, connected until Hangup,
// final is terminal.
func buildCallDefinition() (*fsmrt.Definition, error) {
	b := fsmrt.NewBuilder(StateIdle)

	b.State(StateIdle).
		On(Incoming{}, StateRinging)

	b.State(StateRinging).
		Offline().
		OnEnter(func(ctx context.Context, m *fsmrt.Machine, event fsmrt.Event) error {
			if in, ok := event.(Incoming); ok {
				if s, ok := m.Entity().(*CallSession); ok {
					s.From, s.To = in.From, in.To
				}
			}
			return nil
		}).
		Timeout(fsmrt.TimeoutSpec{Duration: 30 * time.Second, Target: StateFinal}).
		On(Answer{}, StateConnected).
		On(Hangup{}, StateFinal)

	b.State(StateConnected).
		OnEnter(func(ctx context.Context, m *fsmrt.Machine, event fsmrt.Event) error {
			if s, ok := m.Entity().(*CallSession); ok {
				s.AnsweredAt = time.Now()
			}
			return nil
		}).
		On(Hangup{}, StateFinal)

	b.State(StateFinal).
		Final().
		OnEnter(func(ctx context.Context, m *fsmrt.Machine, event fsmrt.Event) error {
			if h, ok := event.(Hangup); ok {
				if s, ok := m.Entity().(*CallSession); ok {
					s.HangupCause = h.Cause
				}
			}
			return nil
		})

	return b.Build()
}

func newCallSession(id string) *CallSession {
	return &CallSession{ID: id, State: StateIdle, LastChange: time.Now()}
}
