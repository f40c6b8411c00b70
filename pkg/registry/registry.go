// Package registry implements the Machine Registry: the lifecycle manager
// owning MachineId -> *fsmrt.Machine residency, rehydration from
// persistence, and automatic eviction on offline/final transitions.
// Grounded on pkg/statemachine/engine.go's instance map plus
// pkg/statemachine/verticle.go's lifecycle wiring, generalized from "one
// Engine, many named machine templates, many instances per template" down
// to a single flat map keyed by MachineId, each possibly bound to a
// different template.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/eventreg"
	"github.com/quadgate/stateforge/pkg/fsmerr"
	"github.com/quadgate/stateforge/pkg/fsmrt"
	"github.com/quadgate/stateforge/pkg/persistence"
	"github.com/quadgate/stateforge/pkg/snapshot"
	"github.com/quadgate/stateforge/pkg/timeout"
)

// Status is one of the four registry entry states a MachineId can occupy;
// an alias of snapshot.RegistryStatus so registry bookkeeping and emitted
// snapshots speak the same vocabulary.
type Status = snapshot.RegistryStatus

const (
	StatusAbsent             = snapshot.StatusAbsent
	StatusRegisteredActive   = snapshot.StatusActive
	StatusRegisteredInactive = snapshot.StatusInactive
	StatusNotRegistered      = snapshot.StatusNotRegistered
)

// DuplicatePolicy controls Create/Register's behavior on a key collision.
type DuplicatePolicy int

const (
	DuplicatePolicyReject DuplicatePolicy = iota
	DuplicatePolicyReplace
)

// Discipline selects how concurrent Fire calls against one machine are
// serialized.
type Discipline int

const (
	// DisciplineInbox gives each resident machine a bounded FIFO drained by a
	// dedicated worker goroutine. The default; required for true
	// asynchronous pipelines.
	DisciplineInbox Discipline = iota
	// DisciplineLock serializes Fire calls with a per-machine mutex instead.
	// Lighter weight, adequate up to moderate fan-out.
	DisciplineLock
)

// Factory builds a fresh template and entity pair for a MachineId that has
// no in-memory instance and no durable record (or whose loader was not
// supplied). The registry calls Start on the resulting machine.
type Factory func() (*fsmrt.Definition, fsmrt.Entity)

// Loader overrides the registry's own persistence provider for a single
// CreateOrGet call. Nil means "use the registry's configured persister".
type Loader func(ctx context.Context, id string) (fsmrt.Entity, error)

// Option configures a Registry at construction. Grounded on
// pkg/fsmrt's own functional-options pattern, applied one level up.
type Option func(*Registry)

func WithPersister(p persistence.Provider) Option { return func(r *Registry) { r.persister = p } }
func WithRecorder(rec snapshot.Recorder) Option   { return func(r *Registry) { r.recorder = rec } }
func WithScheduler(s *timeout.Scheduler) Option   { return func(r *Registry) { r.scheduler = s } }
func WithEventNamer(n *eventreg.Registry) Option  { return func(r *Registry) { r.names = n } }
func WithLogger(l corelog.Logger) Option          { return func(r *Registry) { r.logger = l } }
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(r *Registry) { r.duplicatePolicy = p }
}
func WithInboxCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.inboxCapacity = n
		}
	}
}

// WithLockingDiscipline switches a Registry from the default per-machine
// inbox to the lighter-weight per-machine lock discipline.
func WithLockingDiscipline() Option { return func(r *Registry) { r.discipline = DisciplineLock } }

var tracer = otel.Tracer("github.com/quadgate/stateforge/pkg/registry")

// Registry owns MachineId -> *fsmrt.Machine residency and mediates all
// event delivery to resident machines.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	persister       persistence.Provider
	recorder        snapshot.Recorder
	versions        *snapshot.VersionTracker
	scheduler       *timeout.Scheduler
	names           *eventreg.Registry
	logger          corelog.Logger
	duplicatePolicy DuplicatePolicy
	discipline      Discipline
	inboxCapacity   int

	shutdownCh chan struct{}
	closed     bool

	evictions int64 // atomic count of completed Evict calls, for pkg/metrics
}

// Evictions returns the total number of machines evicted so far.
func (r *Registry) Evictions() int64 { return atomic.LoadInt64(&r.evictions) }

type entry struct {
	machine      *fsmrt.Machine
	inbox        chan fireJob
	done         chan struct{}
	lock         sync.Mutex // used only under DisciplineLock
	pendingEvict int32      // atomic bool, set by NotifyEvictable
}

type fireJob struct {
	ctx   context.Context
	event fsmrt.Event
	done  chan fireResult
}

type fireResult struct {
	applied bool
	err     error
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		versions:      snapshot.NewVersionTracker(),
		inboxCapacity: 32,
		shutdownCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = corelog.NewDefaultLogger()
	}
	return r
}

// Size returns the number of resident machines.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IsInMemory reports whether id currently has a resident machine.
func (r *Registry) IsInMemory(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Status reports id's full four-state lifecycle position, consulting the
// persistence provider when no in-memory entry exists.
func (r *Registry) Status(ctx context.Context, id string) Status {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		if atomic.LoadInt32(&e.pendingEvict) == 1 {
			return StatusRegisteredInactive
		}
		return StatusRegisteredActive
	}
	if r.persister == nil {
		return StatusAbsent
	}
	if _, err := r.persister.Load(ctx, id); err == nil {
		return StatusNotRegistered
	}
	return StatusAbsent
}

// Summary is a read-only view of one resident machine, used by introspection
// surfaces that must not hand out the live *fsmrt.Machine itself.
type Summary struct {
	ID       string
	State    string
	Complete bool
}

// List returns a point-in-time summary of every resident machine.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Summary{ID: id, State: string(e.machine.CurrentState()), Complete: e.machine.IsComplete()})
	}
	return out
}

// Get returns the resident machine for id, if any.
func (r *Registry) Get(id string) (*fsmrt.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

func (r *Registry) newMachine(id string, def *fsmrt.Definition, ent fsmrt.Entity) *fsmrt.Machine {
	opts := []fsmrt.Option{
		fsmrt.WithVersionTracker(r.versions),
		fsmrt.WithLogger(r.logger),
		fsmrt.WithRegistryBridge(r),
	}
	if r.persister != nil {
		opts = append(opts, fsmrt.WithPersister(r.persister))
	}
	if r.recorder != nil {
		opts = append(opts, fsmrt.WithRecorder(r.recorder))
	}
	if r.scheduler != nil {
		opts = append(opts, fsmrt.WithScheduler(r.scheduler))
	}
	if r.names != nil {
		opts = append(opts, fsmrt.WithEventNamer(r.names))
	}
	return fsmrt.New(id, def, ent, opts...)
}

func (r *Registry) newEntry(m *fsmrt.Machine) *entry {
	e := &entry{
		machine: m,
		inbox:   make(chan fireJob, r.inboxCapacity),
		done:    make(chan struct{}),
	}
	if r.discipline == DisciplineInbox {
		go r.runInbox(m.ID(), e)
	}
	return e
}

// Create registers a brand-new machine under id, failing with DuplicateKey
// if id is already resident. Unlike CreateOrGet it never consults
// persistence.
func (r *Registry) Create(ctx context.Context, id string, factory Factory) (*fsmrt.Machine, error) {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil, fsmerr.New(fsmerr.KindDuplicateKey, fmt.Sprintf("machine %q already registered", id))
	}
	def, ent := factory()
	m := r.newMachine(id, def, ent)
	e := r.newEntry(m)
	r.entries[id] = e
	r.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		close(e.done)
		return nil, err
	}
	return m, nil
}

// CreateOrGet returns id's resident machine if present; otherwise it
// consults loader (or the registry's own persister) for a durable record.
// A durable record with Complete() == true short-circuits: no Machine is
// constructed and (nil, nil) is returned. Absent any durable record, a
// fresh machine is built via factory and started.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory, loader Loader) (*fsmrt.Machine, error) {
	ctx, span := tracer.Start(ctx, "registry.create_or_get", trace.WithAttributes(attribute.String("machine.id", id)))
	defer span.End()

	r.mu.RLock()
	if e, ok := r.entries[id]; ok {
		r.mu.RUnlock()
		return e.machine, nil
	}
	r.mu.RUnlock()

	loaded, err := r.load(ctx, id, loader)
	def, fresh := factory()

	var ent fsmrt.Entity
	hydrated := false
	switch {
	case err == nil:
		if loaded.Complete() {
			// Completion short-circuit: the single most important efficiency
			// invariant. No machine is instantiated.
			return nil, nil
		}
		ent = loaded
		hydrated = true
	case errors.Is(err, persistence.ErrNotFound):
		ent = fresh
	default:
		return nil, fsmerr.Wrap(fsmerr.KindPersistenceError, fmt.Sprintf("load failed for %q", id), err)
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return e.machine, nil
	}
	m := r.newMachine(id, def, ent)
	e := r.newEntry(m)
	r.entries[id] = e
	r.mu.Unlock()

	if hydrated {
		if err := m.RestoreState(ent.CurrentState()); err != nil {
			r.dropEntry(id, e)
			return nil, err
		}
		// Rehydration's elapsed-time timeout check happens synchronously
		// here, before CreateOrGet returns, as required.
		if err := m.EvaluateTimeoutOnRestore(ctx); err != nil {
			r.logger.Warnf("registry: timeout re-evaluation failed for %q: %v", id, err)
		}
	} else {
		if err := m.Start(ctx); err != nil {
			r.dropEntry(id, e)
			return nil, err
		}
	}
	return m, nil
}

func (r *Registry) load(ctx context.Context, id string, loader Loader) (fsmrt.Entity, error) {
	if loader != nil {
		return loader(ctx, id)
	}
	if r.persister == nil {
		return nil, persistence.ErrNotFound
	}
	return r.persister.Load(ctx, id)
}

func (r *Registry) dropEntry(id string, e *entry) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	close(e.done)
}

// Register explicitly binds an already-constructed machine under id,
// failing with DuplicateKey on collision unless the duplicate policy is
// DuplicatePolicyReplace.
func (r *Registry) Register(id string, m *fsmrt.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		if r.duplicatePolicy == DuplicatePolicyReject {
			return fsmerr.New(fsmerr.KindDuplicateKey, fmt.Sprintf("machine %q already registered", id))
		}
		close(old.done)
	}
	r.entries[id] = r.newEntry(m)
	return nil
}

// Route resolves id via CreateOrGet, dispatches event against the
// resulting machine under the configured concurrency discipline, and
// performs automatic eviction if the transition's target was offline or
// final. Returns false without error if the machine is complete or absent.
func (r *Registry) Route(ctx context.Context, id string, event fsmrt.Event, factory Factory) (bool, error) {
	ctx, span := tracer.Start(ctx, "registry.route", trace.WithAttributes(attribute.String("machine.id", id)))
	defer span.End()

	m, err := r.CreateOrGet(ctx, id, factory, nil)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false, fsmerr.New(fsmerr.KindNotRegistered, fmt.Sprintf("machine %q not registered", id))
	}
	applied, fireErr := r.dispatch(ctx, e, event)
	if applied {
		r.maybeEvictAfterFire(ctx, id, e)
	}
	return applied, fireErr
}

func (r *Registry) dispatch(ctx context.Context, e *entry, event fsmrt.Event) (bool, error) {
	if r.discipline == DisciplineLock {
		e.lock.Lock()
		defer e.lock.Unlock()
		return e.machine.Fire(ctx, event)
	}

	res := make(chan fireResult, 1)
	j := fireJob{ctx: ctx, event: event, done: res}
	select {
	case e.inbox <- j:
	case <-e.done:
		return false, fsmerr.New(fsmerr.KindNotRegistered, "machine evicted before event was accepted")
	case <-r.shutdownCh:
		return false, fsmerr.New(fsmerr.KindInvalidLifecycle, "registry is shutting down")
	}
	select {
	case out := <-res:
		return out.applied, out.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// runInbox is the per-machine worker draining e.inbox. A job enqueued in
// the same instant the machine is evicted may be dropped rather than
// processed; callers needing a stronger guarantee should use
// WithLockingDiscipline instead.
func (r *Registry) runInbox(id string, e *entry) {
	for {
		select {
		case j, ok := <-e.inbox:
			if !ok {
				return
			}
			applied, err := e.machine.Fire(j.ctx, j.event)
			j.done <- fireResult{applied: applied, err: err}
			if applied {
				r.maybeEvictAfterFire(context.Background(), id, e)
			}
		case <-e.done:
			return
		}
	}
}

// NotifyEvictable implements fsmrt.RegistryBridge. It is called from inside
// Machine.applyTarget, after the transition's persistence attempt (a failed
// save is logged, not fatal), for any transition whose target is offline or
// final. It only marks the entry;
// the actual evict happens once the enclosing Fire call returns.
func (r *Registry) NotifyEvictable(ctx context.Context, machineID string) {
	r.mu.RLock()
	e, ok := r.entries[machineID]
	r.mu.RUnlock()
	if ok {
		atomic.StoreInt32(&e.pendingEvict, 1)
	}
}

func (r *Registry) maybeEvictAfterFire(ctx context.Context, id string, e *entry) {
	if atomic.LoadInt32(&e.pendingEvict) != 1 {
		return
	}
	if err := r.Evict(ctx, id); err != nil {
		r.logger.Errorf("registry: automatic eviction of %q failed: %v", id, err)
	}
}

// Evict persists id once (best-effort) and removes it from memory.
// Idempotent: evicting an absent id is a no-op.
//
// Decision on persistence-fail-mid-eviction: the entry is removed from the
// registry regardless of whether the persist attempt succeeds. Keeping a
// machine resident indefinitely because its store is unhealthy would defeat
// eviction's purpose of bounding memory, and a failed save here is no worse
// than any other best-effort-then-warn persistence failure elsewhere in the
// runtime. The failure is logged, not retried.
func (r *Registry) Evict(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if r.persister != nil {
		if err := r.persister.Save(ctx, id, e.machine.Entity()); err != nil {
			r.logger.Errorf("registry: evict persist failed for %q: %v", id, err)
		}
	}
	e.machine.Stop(ctx)
	close(e.done)
	atomic.AddInt64(&r.evictions, 1)
	return nil
}

// Remove evicts id without attempting to persist it first. Intended for
// test cleanup only.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		e.machine.Stop(context.Background())
		close(e.done)
	}
}

// Shutdown cancels the shared timeout scheduler, stops accepting new
// dispatches, drains in-flight Fire calls up to ctx's deadline, persists
// every still-resident machine once, then releases resources. Handlers
// still running when ctx is done are abandoned; their persistence is not
// retried.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.shutdownCh)
	remaining := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	if r.scheduler != nil {
		r.scheduler.Stop()
	}

	var wg sync.WaitGroup
	for id, e := range remaining {
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			close(e.done)
			e.machine.Stop(context.Background())
			if r.persister != nil {
				if err := r.persister.Save(ctx, id, e.machine.Entity()); err != nil {
					r.logger.Errorf("registry: shutdown persist failed for %q: %v", id, err)
				}
			}
		}(id, e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warnf("registry: shutdown grace deadline exceeded, abandoning remaining handlers")
	}
	return nil
}
