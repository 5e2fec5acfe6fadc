package core

import (
	"context"
	"sync"
)

// Journal stores finished cycles for audit. Committed state is never
// restored from it.
type Journal interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	// RecentCycles returns up to limit records, newest first.
	RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

// MemoryJournal keeps the most recent cycles in a bounded slice.
type MemoryJournal struct {
	mu      sync.Mutex
	limit   int
	records []CycleRecord
}

// NewMemoryJournal returns a journal retaining at most limit records.
func NewMemoryJournal(limit int) *MemoryJournal {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryJournal{limit: limit}
}

// RecordCycle appends rec, evicting the oldest record when full.
func (j *MemoryJournal) RecordCycle(_ context.Context, rec CycleRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	if over := len(j.records) - j.limit; over > 0 {
		j.records = append(j.records[:0], j.records[over:]...)
	}
	return nil
}

// RecentCycles returns up to limit records, newest first.
func (j *MemoryJournal) RecentCycles(_ context.Context, limit int) ([]CycleRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.records) {
		limit = len(j.records)
	}
	out := make([]CycleRecord, 0, limit)
	for i := len(j.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.records[i])
	}
	return out, nil
}
