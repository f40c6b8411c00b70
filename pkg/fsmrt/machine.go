package fsmrt

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/fsmerr"
	"github.com/quadgate/stateforge/pkg/snapshot"
	"github.com/quadgate/stateforge/pkg/timeout"
)

var tracer = otel.Tracer("github.com/quadgate/stateforge/pkg/fsmrt")

// Machine is one resident FSM instance bound to a MachineId and its Entity.
// It owns its Entity for mutation while resident but never owns its
// persistence: the Persister's copy is authoritative once evicted.
type Machine struct {
	id        string
	def       *Definition
	entity    Entity
	volatile  interface{}
	persister Persister
	recorder  snapshot.Recorder
	versions  *snapshot.VersionTracker
	scheduler *timeout.Scheduler
	names     EventNamer
	logger    corelog.Logger
	timeoutH  timeout.Handle
	started   int32
	registry  RegistryBridge
	hydrated  bool
}

// RegistryBridge is the hook a Machine calls back into for everything it
// needs from its owning registry without fsmrt importing pkg/registry
// (which would create an import cycle).
type RegistryBridge interface {
	// NotifyEvictable is called after the persistence attempt for a
	// transition whose target state is offline or final; a failed save is
	// logged and does not prevent the call.
	NotifyEvictable(ctx context.Context, machineID string)
	// Status reports machineID's current registry lifecycle position, used
	// to populate RegistryBefore/RegistryAfter on emitted snapshot records.
	Status(ctx context.Context, machineID string) snapshot.RegistryStatus
}

// Option configures a Machine at construction. Grounded on
// pkg/statemachine/machine.go's functional-options pattern (WithID,
// WithLogger, WithPersistence, ...).
type Option func(*Machine)

// WithPersister attaches the persistence provider used on every successful
// transition and on explicit eviction.
func WithPersister(p Persister) Option { return func(m *Machine) { m.persister = p } }

// WithRecorder attaches the snapshot recorder. Nil means no snapshot
// emission (snapshot.enabled = false).
func WithRecorder(r snapshot.Recorder) Option { return func(m *Machine) { m.recorder = r } }

// WithVersionTracker supplies the monotonic per-machine version counter
// shared across a registry's machines.
func WithVersionTracker(v *snapshot.VersionTracker) Option {
	return func(m *Machine) { m.versions = v }
}

// WithScheduler attaches the timeout scheduler.
func WithScheduler(s *timeout.Scheduler) Option { return func(m *Machine) { m.scheduler = s } }

// WithEventNamer attaches the event type registry used to name events in
// snapshots.
func WithEventNamer(n EventNamer) Option { return func(m *Machine) { m.names = n } }

// WithLogger attaches a structured logger.
func WithLogger(l corelog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithVolatile seeds the machine's VolatileContext.
func WithVolatile(v interface{}) Option { return func(m *Machine) { m.volatile = v } }

// WithRegistryBridge attaches the registry callback used for offline/final
// eviction notification and for the registry-status lookups recorded in
// emitted snapshots.
func WithRegistryBridge(b RegistryBridge) Option { return func(m *Machine) { m.registry = b } }

// New constructs a Machine bound to id, def, and entity. The machine is not
// started; call Start before routing events to it.
func New(id string, def *Definition, entity Entity, opts ...Option) *Machine {
	m := &Machine{id: id, def: def, entity: entity}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = corelog.NewDefaultLogger()
	}
	if m.versions == nil {
		m.versions = snapshot.NewVersionTracker()
	}
	return m
}

// ID returns the machine's MachineId.
func (m *Machine) ID() string { return m.id }

// CurrentState returns the entity's current state name.
func (m *Machine) CurrentState() State { return m.entity.CurrentState() }

// IsComplete reports whether the entity has been marked complete.
func (m *Machine) IsComplete() bool { return m.entity.Complete() }

// Entity returns the machine's persistent record. Callers must not retain a
// reference across an Evict: once evicted only the durable copy is
// authoritative.
func (m *Machine) Entity() Entity { return m.entity }

// Volatile returns the machine's transient scratch object, or nil.
func (m *Machine) Volatile() interface{} { return m.volatile }

// Start validates the template is attached, runs the initial state's entry
// action, arms its timeout, and persists the initial snapshot. Calling Start
// twice fails with InvalidLifecycle.
func (m *Machine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fsmerr.New(fsmerr.KindInvalidLifecycle, "machine already started")
	}
	if m.entity.CurrentState() == "" {
		m.entity.SetCurrentState(m.def.Initial())
	}
	if !m.def.HasState(m.entity.CurrentState()) {
		return fsmerr.New(fsmerr.KindUnknownState, fmt.Sprintf("initial state %q not declared", m.entity.CurrentState()))
	}
	registryBefore := m.registryStatus(ctx)
	sc := m.def.states[m.entity.CurrentState()]
	if sc.onEnter != nil {
		if err := m.runAction(ctx, sc.onEnter, nil); err != nil {
			return fsmerr.Wrap(fsmerr.KindTransitionFailure, "initial entry action failed", err)
		}
	}
	if m.entity.LastStateChange().IsZero() {
		m.entity.SetLastStateChange(time.Now())
	}
	m.armTimeout(sc)
	m.persist(ctx)
	m.emit(snapshot.Record{
		MachineID:      m.id,
		Version:        m.versions.Next(m.id),
		StateBefore:    "",
		StateAfter:     string(m.entity.CurrentState()),
		EventName:      "start",
		Timestamp:      time.Now(),
		ContextAfter:   m.domainContext(),
		RegistryBefore: registryBefore,
		RegistryAfter:  m.registryStatus(ctx),
	})
	return nil
}

// RestoreState sets the current state without firing entry actions, used by
// the registry during rehydration. The caller is responsible for the
// subsequent timeout re-evaluation; Machine exposes
// EvaluateTimeoutOnRestore for that purpose.
func (m *Machine) RestoreState(name State) error {
	if !m.def.HasState(name) {
		return fsmerr.New(fsmerr.KindUnknownState, fmt.Sprintf("unknown state %q", name))
	}
	m.entity.SetCurrentState(name)
	atomic.StoreInt32(&m.started, 1)
	m.hydrated = true
	return nil
}

// EvaluateTimeoutOnRestore implements the rehydration rule: if the current
// state has a declared timeout and Δ = now - lastStateChange already
// exceeds it, the timeout transition is applied synchronously and its own
// snapshot is emitted before this call returns. Otherwise the remaining
// duration is armed normally. Must be called once, immediately after
// RestoreState, before the machine is exposed to routing.
func (m *Machine) EvaluateTimeoutOnRestore(ctx context.Context) error {
	sc := m.def.states[m.entity.CurrentState()]
	if sc.timeout == nil {
		return nil
	}
	fired, remaining := dueCheck(m.entity.LastStateChange(), sc.timeout.Duration, time.Now())
	if !fired {
		m.timeoutH = m.schedule(sc.name, remaining)
		return nil
	}
	return m.applyTimeout(ctx, sc.name, sc.timeout.Target)
}

func dueCheck(lastChange time.Time, d time.Duration, now time.Time) (bool, time.Duration) {
	elapsed := now.Sub(lastChange)
	if elapsed >= d {
		return true, 0
	}
	return false, d - elapsed
}

// Fire dispatches one event against the current state, matching the
// state's declared transitions in first-declared-wins order and rolling
// back the entity's runtime-owned fields if an entry/exit action fails.
func (m *Machine) Fire(ctx context.Context, event Event) (bool, error) {
	ctx, span := tracer.Start(ctx, "fsmrt.fire", trace.WithAttributes(
		attribute.String("machine.id", m.id),
		attribute.String("machine.state", string(m.entity.CurrentState())),
	))
	defer span.End()

	applied, err := m.fire(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("machine.applied", applied))
	return applied, err
}

func (m *Machine) fire(ctx context.Context, event Event) (bool, error) {
	if m.entity.Complete() {
		m.logger.Debugf("machine %s: fire on completed machine ignored", m.id)
		return false, nil
	}
	sc, ok := m.def.states[m.entity.CurrentState()]
	if !ok {
		return false, fsmerr.New(fsmerr.KindUnknownState, fmt.Sprintf("current state %q not declared", m.entity.CurrentState()))
	}
	variant := reflect.TypeOf(event)
	for _, tr := range sc.transitions {
		if tr.variant != variant {
			continue
		}
		if tr.kind == kindStay {
			return m.applyStay(ctx, sc, tr, event)
		}
		return m.applyTarget(ctx, sc, tr, event)
	}
	// No declared transition: event is silently discarded from the FSM's
	// perspective. lastStateChange is left untouched and no snapshot fires.
	return false, nil
}

func (m *Machine) applyStay(ctx context.Context, sc *stateConfig, tr transitionDecl, event Event) (bool, error) {
	start := time.Now()
	contextBefore := m.domainContext()
	registryBefore := m.registryStatus(ctx)
	if err := m.runStay(ctx, tr.stay, event); err != nil {
		return false, fsmerr.Wrap(fsmerr.KindTransitionFailure, fmt.Sprintf("stay handler failed in state %q", sc.name), err)
	}
	m.entity.SetLastStateChange(time.Now())
	m.persist(ctx)
	m.emit(snapshot.Record{
		MachineID:      m.id,
		Version:        m.versions.Next(m.id),
		StateBefore:    string(sc.name),
		StateAfter:     string(sc.name),
		EventName:      m.eventName(event),
		EventPayload:   event,
		Timestamp:      start,
		DurationNanos:  time.Since(start).Nanoseconds(),
		ContextBefore:  contextBefore,
		ContextAfter:   m.domainContext(),
		RegistryBefore: registryBefore,
		RegistryAfter:  m.registryStatus(ctx),
		HydratedBefore: m.hydrated,
		HydratedAfter:  m.hydrated,
	})
	return true, nil
}

func (m *Machine) applyTarget(ctx context.Context, sc *stateConfig, tr transitionDecl, event Event) (bool, error) {
	start := time.Now()
	prevState := sc.name
	prevChange := m.entity.LastStateChange()
	contextBefore := m.domainContext()
	registryBefore := m.registryStatus(ctx)

	if sc.onExit != nil {
		if err := m.runAction(ctx, sc.onExit, event); err != nil {
			return false, fsmerr.Wrap(fsmerr.KindTransitionFailure, fmt.Sprintf("exit action failed in state %q", prevState), err)
		}
	}

	target := tr.target
	targetConfig, ok := m.def.states[target]
	if !ok {
		return false, fsmerr.New(fsmerr.KindUnknownState, fmt.Sprintf("transition target %q not declared", target))
	}

	m.entity.SetCurrentState(target)
	m.entity.SetLastStateChange(time.Now())

	if targetConfig.onEnter != nil {
		if err := m.runAction(ctx, targetConfig.onEnter, event); err != nil {
			// Fatal: revert the runtime-owned fields so the entity is left
			// as if the transition never started.
			m.entity.SetCurrentState(prevState)
			m.entity.SetLastStateChange(prevChange)
			return false, fsmerr.Wrap(fsmerr.KindTransitionFailure, fmt.Sprintf("entry action failed in state %q", target), err)
		}
	}

	if m.timeoutH != 0 && m.scheduler != nil {
		m.scheduler.Cancel(m.timeoutH)
		m.timeoutH = 0
	}
	if targetConfig.timeout != nil && m.scheduler != nil {
		m.timeoutH = m.schedule(target, targetConfig.timeout.Duration)
	}

	if targetConfig.final {
		m.entity.SetComplete(true)
	}

	m.persist(ctx)

	if (targetConfig.offline || targetConfig.final) && m.registry != nil {
		m.registry.NotifyEvictable(ctx, m.id)
	}

	m.emit(snapshot.Record{
		MachineID:      m.id,
		Version:        m.versions.Next(m.id),
		StateBefore:    string(prevState),
		StateAfter:     string(target),
		EventName:      m.eventName(event),
		EventPayload:   event,
		Timestamp:      start,
		DurationNanos:  time.Since(start).Nanoseconds(),
		ContextBefore:  contextBefore,
		ContextAfter:   m.domainContext(),
		RegistryBefore: registryBefore,
		RegistryAfter:  m.registryStatus(ctx),
		HydratedBefore: m.hydrated,
		HydratedAfter:  m.hydrated,
	})
	return true, nil
}

// applyTimeout is the synthetic transition a due timeout synthesizes, used
// both by a live scheduler firing and by EvaluateTimeoutOnRestore's
// synchronous rehydration-time firing.
func (m *Machine) applyTimeout(ctx context.Context, fromState, target State) error {
	sc := m.def.states[fromState]
	tr := transitionDecl{kind: kindTarget, target: target}
	_, err := m.applyTarget(ctx, sc, tr, timeoutEvent{from: fromState})
	return err
}

// timeoutEvent is the synthetic event variant synthesized by a firing
// timeout; its EventNamer entry (if registered) supplies the wire name
// recorded in the emitted snapshot.
type timeoutEvent struct{ from State }

func (m *Machine) schedule(state State, d time.Duration) timeout.Handle {
	if m.scheduler == nil {
		return 0
	}
	return m.scheduler.Schedule(m.id, string(state), d, func() {
		m.onTimeoutFired(state)
	})
}

// onTimeoutFired runs on the scheduler's own goroutine. It must re-check
// that the machine is still in the state the timeout was armed for before
// acting, since cancellation and firing can race and cancellation does not
// synchronize with an in-flight fire. This re-check, combined with the
// registry's single-writer discipline serializing it against any
// concurrent explicit Fire, means a stale firing is simply dropped.
func (m *Machine) onTimeoutFired(state State) {
	if m.entity.CurrentState() != state || m.entity.Complete() {
		return
	}
	sc := m.def.states[state]
	if sc.timeout == nil {
		return
	}
	ctx := context.Background()
	if err := m.applyTimeout(ctx, state, sc.timeout.Target); err != nil {
		m.logger.Warnf("machine %s: timeout handler dropped: %v", m.id, err)
	}
}

func (m *Machine) armTimeout(sc *stateConfig) {
	if sc.timeout == nil || m.scheduler == nil {
		return
	}
	m.timeoutH = m.schedule(sc.name, sc.timeout.Duration)
}

// Stop cancels any pending timeout. It does not run the current state's
// exit action; eviction is a removal from residency, not a transition.
func (m *Machine) Stop(ctx context.Context) error {
	if m.timeoutH != 0 && m.scheduler != nil {
		m.scheduler.Cancel(m.timeoutH)
		m.timeoutH = 0
	}
	return nil
}

func (m *Machine) eventName(event Event) string {
	if m.names != nil {
		return m.names.NameOf(event)
	}
	if event == nil {
		return "<nil>"
	}
	return reflect.TypeOf(event).String()
}

// domainContext returns the entity's domain context snapshot for recording,
// or nil if the entity does not implement ContextProvider.
func (m *Machine) domainContext() interface{} {
	if cp, ok := m.entity.(ContextProvider); ok {
		return cp.DomainContext()
	}
	return nil
}

// registryStatus queries the attached RegistryBridge, or returns the zero
// value if this machine has no registry attached (standalone use).
func (m *Machine) registryStatus(ctx context.Context) snapshot.RegistryStatus {
	if m.registry == nil {
		return ""
	}
	return m.registry.Status(ctx, m.id)
}

func (m *Machine) persist(ctx context.Context) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Save(ctx, m.id, m.entity); err != nil {
		// Best-effort-then-warn: the in-memory mutation already happened
		// and stands; persistence failure is reported, not fatal.
		m.logger.Errorf("machine %s: persistence save failed: %v", m.id, err)
	}
}

func (m *Machine) emit(rec snapshot.Record) {
	if m.recorder == nil {
		return
	}
	rec.ID = uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("machine %s: snapshot recorder panicked: %v", m.id, r)
		}
	}()
	m.recorder.Record(rec)
}

func (m *Machine) runAction(ctx context.Context, a Action, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return a(ctx, m, event)
}

func (m *Machine) runStay(ctx context.Context, h StayHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stay handler panicked: %v", r)
		}
	}()
	return h(ctx, m, event)
}
