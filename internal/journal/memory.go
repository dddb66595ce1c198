package journal

import (
	"context"
	"sync"

	"funding_keeper/internal/core"
)

// Memory is an in-process journal. It backs tests and runs where the
// journal is disabled; old entries fall off once capacity is reached.
type Memory struct {
	clock core.Clock

	mu      sync.Mutex
	nextID  int64
	cap     int
	entries []Entry
}

// NewMemory creates a bounded in-memory journal.
func NewMemory(capacity int, clock core.Clock) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Memory{clock: clock, cap: capacity}
}

func (m *Memory) Record(_ context.Context, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clock.Now()
	}
	m.entries = append(m.entries, e)
	if len(m.entries) > m.cap {
		m.entries = m.entries[len(m.entries)-m.cap:]
	}
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := limit
	if n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
