package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/quadgate/stateforge/pkg/db"
	"github.com/quadgate/stateforge/pkg/fsmrt"
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS stateforge_records (
	machine_id        TEXT PRIMARY KEY,
	current_state     TEXT NOT NULL,
	last_state_change TIMESTAMP NOT NULL,
	complete          BOOLEAN NOT NULL
)`

// SQL is a synchronous sync-upsert persistence provider backed by
// database/sql through pkg/db.Pool. Constructed with driver "postgres" (via
// github.com/lib/pq) it is the production variant; constructed with driver
// "sqlite3" (via github.com/mattn/go-sqlite3) it is a lightweight local
// variant, the driver cmd/callgateway defaults to.
// Grounded on pkg/db/pool.go's HikariCP-style Pool, reused unmodified.
type SQL struct {
	pool *db.Pool
}

// NewSQL opens a pool against cfg and ensures the records table exists.
func NewSQL(cfg db.PoolConfig) (*SQL, error) {
	pool, err := db.NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: open pool: %w", err)
	}
	if _, err := pool.Exec(context.Background(), createTableDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: create table: %w", err)
	}
	return &SQL{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error { return s.pool.Close() }

func (s *SQL) Save(ctx context.Context, id string, entity fsmrt.Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stateforge_records (machine_id, current_state, last_state_change, complete)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (machine_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			last_state_change = EXCLUDED.last_state_change,
			complete = EXCLUDED.complete
	`, id, string(entity.CurrentState()), entity.LastStateChange(), entity.Complete())
	return err
}

func (s *SQL) Load(ctx context.Context, id string) (fsmrt.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT current_state, last_state_change, complete
		FROM stateforge_records WHERE machine_id = $1
	`, id)
	rec := NewRecord()
	var state string
	if err := row.Scan(&state, &rec.Changed, &rec.Done); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = fsmrt.State(state)
	return rec, nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stateforge_records WHERE machine_id = $1`, id)
	return err
}
