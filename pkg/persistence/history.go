package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quadgate/stateforge/pkg/appendlog"
	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/fsmrt"
)

// historyRow is the audit row appended on every Save. It carries no version
// field and HistoryAppend assigns no per-key version number: rows are
// ordered only by the append log's store-wide Offset, and History returns a
// machine's rows in that order.
type historyRow struct {
	MachineID string    `json:"machine_id"`
	State     string    `json:"current_state"`
	Changed   time.Time `json:"last_state_change"`
	Complete  bool      `json:"complete"`
}

// HistoryAppend wraps another Provider and additionally appends a durable
// audit row via pkg/appendlog.Store on every Save. Grounded on
// pkg/appendlog/fs_store.go's file-backed append-only store.
type HistoryAppend struct {
	inner  Provider
	log    appendlog.Store
	logger corelog.Logger
}

// NewHistoryAppend wraps inner with an audit trail backed by log.
func NewHistoryAppend(inner Provider, log appendlog.Store, logger corelog.Logger) *HistoryAppend {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	return &HistoryAppend{inner: inner, log: log, logger: logger}
}

func (h *HistoryAppend) Save(ctx context.Context, id string, entity fsmrt.Entity) error {
	if err := h.inner.Save(ctx, id, entity); err != nil {
		return err
	}
	row := historyRow{
		MachineID: id,
		State:     string(entity.CurrentState()),
		Changed:   entity.LastStateChange(),
		Complete:  entity.Complete(),
	}
	data, err := json.Marshal(row)
	if err != nil {
		h.logger.Errorf("persistence: history marshal failed for %s: %v", id, err)
		return nil
	}
	if _, err := h.log.Append(data); err != nil {
		h.logger.Errorf("persistence: history append failed for %s: %v", id, err)
	}
	return nil
}

func (h *HistoryAppend) Load(ctx context.Context, id string) (fsmrt.Entity, error) {
	return h.inner.Load(ctx, id)
}

func (h *HistoryAppend) Delete(ctx context.Context, id string) error {
	return h.inner.Delete(ctx, id)
}

// History returns every audit row recorded for id, oldest first, by
// scanning the append log from the beginning. Intended for test/debug use,
// not the hot path.
func (h *HistoryAppend) History(id string) ([]historyRow, error) {
	// Appends acknowledged before reaching disk (DurabilityMemory) are
	// still queued or buffered; wait for the queue to drain and flush it so
	// the scan below sees them.
	for h.log.Stats().BufferedBytes > 0 {
		time.Sleep(time.Millisecond)
	}
	if err := h.log.Sync(); err != nil {
		return nil, err
	}
	var rows []historyRow
	var from appendlog.Offset
	for {
		records, err := h.log.Read(from, 256)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			var row historyRow
			if err := json.Unmarshal(rec.Data, &row); err != nil {
				continue
			}
			if row.MachineID == id {
				rows = append(rows, row)
			}
			from = rec.Offset + 1
		}
	}
	return rows, nil
}
