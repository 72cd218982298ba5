package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process snapshot store for development and tests.
// TTLs are honoured lazily on Load.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	sealed    []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Load(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, userID)
		return nil, ErrMiss
	}
	return e.sealed, nil
}

func (m *Memory) Save(_ context.Context, userID string, sealed []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{sealed: sealed}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[userID] = e
	return nil
}

func (m *Memory) Drop(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
