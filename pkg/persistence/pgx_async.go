package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/fsmrt"
)

// AsyncPGX is an async-upsert persistence provider backed by
// github.com/jackc/pgx/v5's native pgxpool.Pool. Saves are queued onto a
// per-key worker goroutine so the provider guarantees at-most-one
// concurrent write per key and in-order delivery: a bounded-queue,
// dedicated-worker-per-resource discipline generalized from one shared
// queue to one queue per hot key.
type AsyncPGX struct {
	pool   *pgxpool.Pool
	logger corelog.Logger

	mu      sync.Mutex
	workers map[string]chan saveJob
}

type saveJob struct {
	ctx    context.Context
	id     string
	state  string
	change interface{}
	done   bool
}

// NewAsyncPGX connects to dsn via pgxpool and ensures the records table
// exists.
func NewAsyncPGX(ctx context.Context, dsn string, logger corelog.Logger) (*AsyncPGX, error) {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: pgxpool connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: create table: %w", err)
	}
	return &AsyncPGX{pool: pool, logger: logger, workers: make(map[string]chan saveJob)}, nil
}

// Close releases the underlying pool. Queued jobs are abandoned.
func (a *AsyncPGX) Close() { a.pool.Close() }

func (a *AsyncPGX) queueFor(id string) chan saveJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.workers[id]
	if ok {
		return ch
	}
	ch = make(chan saveJob, 64)
	a.workers[id] = ch
	go a.drain(ch)
	return ch
}

func (a *AsyncPGX) drain(ch chan saveJob) {
	for job := range ch {
		_, err := a.pool.Exec(job.ctx, `
			INSERT INTO stateforge_records (machine_id, current_state, last_state_change, complete)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (machine_id) DO UPDATE SET
				current_state = EXCLUDED.current_state,
				last_state_change = EXCLUDED.last_state_change,
				complete = EXCLUDED.complete
		`, job.id, job.state, job.change, job.done)
		if err != nil {
			a.logger.Errorf("persistence: async save for %s failed: %v", job.id, err)
		}
	}
}

// Save enqueues the write and returns immediately; the actual upsert
// happens on id's dedicated worker goroutine, in the order Save was called.
func (a *AsyncPGX) Save(ctx context.Context, id string, entity fsmrt.Entity) error {
	ch := a.queueFor(id)
	job := saveJob{
		ctx:    ctx,
		id:     id,
		state:  string(entity.CurrentState()),
		change: entity.LastStateChange(),
		done:   entity.Complete(),
	}
	select {
	case ch <- job:
		return nil
	default:
		return fmt.Errorf("persistence: async queue full for %s", id)
	}
}

func (a *AsyncPGX) Load(ctx context.Context, id string) (fsmrt.Entity, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT current_state, last_state_change, complete
		FROM stateforge_records WHERE machine_id = $1
	`, id)
	rec := NewRecord()
	var state string
	if err := row.Scan(&state, &rec.Changed, &rec.Done); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = fsmrt.State(state)
	return rec, nil
}

func (a *AsyncPGX) Delete(ctx context.Context, id string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM stateforge_records WHERE machine_id = $1`, id)
	return err
}
