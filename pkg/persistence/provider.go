// Package persistence implements the durability boundary: single-record
// load/save/delete keyed by MachineId, with four concrete providers wiring
// the distinct storage technologies the domain stack exercises.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/quadgate/stateforge/pkg/fsmrt"
)

// ErrNotFound is returned by Load when no record exists for a key.
var ErrNotFound = errors.New("persistence: record not found")

// Provider is the durable single-record storage contract.
type Provider interface {
	// Save upserts entity's current snapshot of fields under id. Called on
	// every successful transition and on explicit eviction.
	Save(ctx context.Context, id string, entity fsmrt.Entity) error
	// Load fetches the most recently persisted record for id, or
	// ErrNotFound.
	Load(ctx context.Context, id string) (fsmrt.Entity, error)
	// Delete removes the record for id. Used by test harnesses only.
	Delete(ctx context.Context, id string) error
}

// Record is the provider-agnostic Entity implementation used when a caller
// has no richer domain record of its own. Domain fields can be carried in
// Extra; it satisfies fsmrt.Entity directly.
type Record struct {
	State   fsmrt.State
	Changed time.Time
	Done    bool
	Extra   map[string]interface{}
}

func NewRecord() *Record { return &Record{Extra: make(map[string]interface{})} }

func (r *Record) CurrentState() fsmrt.State      { return r.State }
func (r *Record) SetCurrentState(s fsmrt.State)  { r.State = s }
func (r *Record) LastStateChange() time.Time     { return r.Changed }
func (r *Record) SetLastStateChange(t time.Time) { r.Changed = t }
func (r *Record) Complete() bool                 { return r.Done }
func (r *Record) SetComplete(c bool)             { r.Done = c }

// DomainContext implements fsmrt.ContextProvider structurally: Extra is the
// only domain-specific content a generic Record carries.
func (r *Record) DomainContext() interface{} { return r.Extra }

// Clone returns a value copy, used by providers that must not alias the
// in-memory copy with whatever a caller retains after Save/Load returns.
func (r *Record) Clone() *Record {
	extra := make(map[string]interface{}, len(r.Extra))
	for k, v := range r.Extra {
		extra[k] = v
	}
	return &Record{State: r.State, Changed: r.Changed, Done: r.Done, Extra: extra}
}
