package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySink keeps events in memory. It is used when no database is
// configured.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	index  map[Key]int
	max    int
}

// NewMemorySink creates a sink holding at most max events (0 = unbounded).
// The oldest events are discarded first.
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{index: make(map[Key]int), max: max}
}

func (m *MemorySink) Insert(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.Key()
	if _, dup := m.index[k]; dup {
		return fmt.Errorf("duplicate alarm event %s", k)
	}
	m.events = append(m.events, e)
	if m.max > 0 && len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
		m.reindex()
		return nil
	}
	m.index[k] = len(m.events) - 1
	return nil
}

func (m *MemorySink) reindex() {
	m.index = make(map[Key]int, len(m.events))
	for i, e := range m.events {
		m.index[e.Key()] = i
	}
}

func (m *MemorySink) Acknowledge(ctx context.Context, k Key, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[k]
	if !ok || m.events[i].Acknowledged() {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	m.events[i].acknowledge(at)
	return nil
}

// List returns the newest events first.
func (m *MemorySink) List(ctx context.Context, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}
