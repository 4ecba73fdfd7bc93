package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bibliobot/internal/conversation"
	"bibliobot/internal/domain"
)

type memorySession struct {
	conv      *conversation.Conversation
	busyUntil time.Time
}

// MemoryStore keeps sessions in process memory. Sessions live as long as the process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return nil, fmt.Errorf("repository: CreateSession: %w", domain.ErrSessionExists)
	}
	conv := conversation.New(m.now())
	m.sessions[sessionID] = &memorySession{conv: conv}
	return conv.All(), nil
}

func (m *MemoryStore) ListTurns(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	return s.conv.All(), nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	if err := s.conv.Append(turn); err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (m *MemoryStore) ResetSession(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: ResetSession: %w", err)
	}
	now := m.now()
	if s.busyUntil.After(now) {
		return nil, fmt.Errorf("repository: ResetSession: %w", domain.ErrSessionBusy)
	}
	s.conv.Reset(now)
	return s.conv.All(), nil
}

func (m *MemoryStore) AcquireBusy(_ context.Context, sessionID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return fmt.Errorf("repository: AcquireBusy: %w", err)
	}
	if s.busyUntil.After(m.now()) {
		return fmt.Errorf("repository: AcquireBusy: %w", domain.ErrSessionBusy)
	}
	s.busyUntil = until
	return nil
}

func (m *MemoryStore) ReleaseBusy(_ context.Context, sessionID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.busyUntil.Equal(until) {
		return nil
	}
	s.busyUntil = time.Time{}
	return nil
}

func (m *MemoryStore) lookup(sessionID string) (*memorySession, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}
