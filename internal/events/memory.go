package events

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps records in process. Mostly for tests and dev mode.
type MemoryLog struct {
	mu   sync.RWMutex
	recs []Record
	seq  uint64
	Now  func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, recs ...Record) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamped := stamp(recs, func() uint64 { m.seq++; return m.seq }, now(m.Now))
	m.recs = append(m.recs, stamped...)
	return stamped, nil
}

func (m *MemoryLog) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filter(m.recs, f), nil
}

func filter(recs []Record, f Filter) []Record {
	out := make([]Record, 0)
	for _, r := range recs {
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn().UTC()
	}
	return time.Now().UTC()
}
