package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps history in process memory. Each conversation is capped
// at maxHistory entries; older turns are dropped first.
type MemoryStore struct {
	maxHistory int

	mu    sync.RWMutex
	convs map[string][]Entry
}

func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		convs:      make(map[string][]Entry),
	}
}

func (m *MemoryStore) Load(_ context.Context, id string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.convs[id]
	if len(entries) == 0 {
		return nil, nil
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, id string, entries ...Entry) error {
	entries = normalize(entries, time.Now().UTC())
	if len(entries) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.convs[id], entries...)
	if m.maxHistory > 0 && len(history) > m.maxHistory {
		history = append([]Entry(nil), history[len(history)-m.maxHistory:]...)
	}
	m.convs[id] = history
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.convs, id)
	return nil
}

// Len reports how many conversations have history.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.convs)
}

func (m *MemoryStore) Close() error { return nil }
