package fsmrt

import (
	"fmt"
	"reflect"

	"github.com/quadgate/stateforge/pkg/fsmerr"
)

// Builder is a fluent, immutable-template constructor. Grounded on
// pkg/statemachine/builder.go's chain shape (State/On/To/Done/Build),
// retargeted to produce this package's own Definition type and enforcing
// this runtime's build-time invariants.
type Builder struct {
	initial State
	states  map[State]*stateConfig
	order   []State
	err     error
}

// NewBuilder starts a template whose initial state is initial.
func NewBuilder(initial State) *Builder {
	return &Builder{initial: initial, states: make(map[State]*stateConfig)}
}

// StateBuilder configures a single declared state.
type StateBuilder struct {
	b  *Builder
	sc *stateConfig
}

// State begins declaring name. Declaring the same name twice is a
// *BuildError surfaced at Build time.
func (b *Builder) State(name State) *StateBuilder {
	if _, exists := b.states[name]; exists {
		b.fail(fmt.Errorf("duplicate state %q", name))
		return &StateBuilder{b: b, sc: b.states[name]}
	}
	sc := &stateConfig{name: name}
	b.states[name] = sc
	b.order = append(b.order, name)
	return &StateBuilder{b: b, sc: sc}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// OnEnter sets the state's entry action.
func (s *StateBuilder) OnEnter(a Action) *StateBuilder {
	s.sc.onEnter = a
	return s
}

// OnExit sets the state's exit action.
func (s *StateBuilder) OnExit(a Action) *StateBuilder {
	s.sc.onExit = a
	return s
}

// Offline marks the state as triggering automatic eviction on entry.
func (s *StateBuilder) Offline() *StateBuilder {
	s.sc.offline = true
	return s
}

// Final marks the state as terminal: on entry the entity is marked complete
// and the machine is evicted.
func (s *StateBuilder) Final() *StateBuilder {
	s.sc.final = true
	return s
}

// Timeout declares the state's single timeout: after d with no other
// transition, fire into target. Declaring a second timeout on the same
// state is a *BuildError at Build time.
func (s *StateBuilder) Timeout(d TimeoutSpec) *StateBuilder {
	if s.sc.timeout != nil {
		s.b.fail(fmt.Errorf("state %q already has a timeout declared", s.sc.name))
		return s
	}
	spec := d
	s.sc.timeout = &spec
	return s
}

// On declares a target transition: when sample's variant is fired in this
// state, move to target running exit then entry actions (including on a
// self-transition where target equals this state's name).
func (s *StateBuilder) On(sample Event, target State) *StateBuilder {
	s.sc.transitions = append(s.sc.transitions, transitionDecl{
		variant: reflect.TypeOf(sample),
		kind:    kindTarget,
		target:  target,
	})
	return s
}

// Stay declares a stay transition: when sample's variant is fired in this
// state, run handler only; exit/entry actions never run and the state never
// changes.
func (s *StateBuilder) Stay(sample Event, handler StayHandler) *StateBuilder {
	s.sc.transitions = append(s.sc.transitions, transitionDecl{
		variant: reflect.TypeOf(sample),
		kind:    kindStay,
		stay:    handler,
	})
	return s
}

// Done returns to the parent Builder to declare further states.
func (s *StateBuilder) Done() *Builder { return s.b }

// Build validates the template's structural invariants — a declared initial
// state, no dangling transition or timeout targets, no state both offline
// and final, no outbound transitions from a final state — and returns the
// immutable Definition, or a *fsmerr.Error of kind BuildError.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, fsmerr.Wrap(fsmerr.KindBuildError, "invalid state machine template", b.err)
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, fsmerr.New(fsmerr.KindBuildError, fmt.Sprintf("initial state %q not declared", b.initial))
	}
	for _, name := range b.order {
		sc := b.states[name]
		if sc.offline && sc.final {
			return nil, fsmerr.New(fsmerr.KindBuildError, fmt.Sprintf("state %q cannot be both offline and final", name))
		}
		if sc.final && len(sc.transitions) > 0 {
			return nil, fsmerr.New(fsmerr.KindBuildError, fmt.Sprintf("final state %q has outbound transitions", name))
		}
		for _, tr := range sc.transitions {
			if tr.kind == kindTarget {
				if _, ok := b.states[tr.target]; !ok {
					return nil, fsmerr.New(fsmerr.KindBuildError, fmt.Sprintf("state %q transitions to unknown state %q", name, tr.target))
				}
			}
		}
		if sc.timeout != nil {
			if _, ok := b.states[sc.timeout.Target]; !ok {
				return nil, fsmerr.New(fsmerr.KindBuildError, fmt.Sprintf("state %q timeout targets unknown state %q", name, sc.timeout.Target))
			}
		}
	}
	return &Definition{initial: b.initial, states: b.states}, nil
}
