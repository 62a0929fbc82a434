package session

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Backend. It does not survive a restart.
type Memory struct {
	sessions map[string]Session
	mu       sync.RWMutex
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Session)}
}

// Name implements Backend.
func (*Memory) Name() string { return "memory" }

// Has implements Backend.
func (m *Memory) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok, nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Data = slices.Clone(s.Data)
	return &s, nil
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Data = slices.Clone(s.Data)
	m.sessions[s.ID] = cp
	return nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Len returns the number of stored sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close implements Backend.
func (*Memory) Close() error { return nil }
