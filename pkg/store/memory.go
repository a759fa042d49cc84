package store

import (
	"sync"
	"time"
)

// MemoryStore is a map-backed Store for tests and for running without a
// database path configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
	log  []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) AppendLog(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, entry)
	if len(m.log) > tradingLogCap {
		m.log = m.log[len(m.log)-tradingLogCap:]
	}
	return nil
}

func (m *MemoryStore) RecentLogs(limit int) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.log) {
		limit = len(m.log)
	}
	// Most recent first.
	out := make([]LogEntry, 0, limit)
	for i := len(m.log) - 1; i >= len(m.log)-limit; i-- {
		out = append(out, m.log[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
