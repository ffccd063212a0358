package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/model"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.FunnelSession
	idle     time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore with the given idle timeout.
func NewMemoryStore(idle time.Duration) *MemoryStore {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &MemoryStore{
		sessions: make(map[string]*model.FunnelSession),
		idle:     idle,
		now:      time.Now,
	}
}

func (m *MemoryStore) expired(s *model.FunnelSession, now time.Time) bool {
	return now.Sub(s.LastSeen) > m.idle
}

func (m *MemoryStore) Create(_ context.Context, s *model.FunnelSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return apperr.New(apperr.Conflict, "session: %s already exists", s.ID)
	}
	s.LastSeen = m.now().UTC()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*model.FunnelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.expired(s, m.now()) {
		return nil, apperr.New(apperr.NotFound, "session: %s not found", id)
	}
	return clone(s), nil
}

func (m *MemoryStore) Save(_ context.Context, s *model.FunnelSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	now := m.now()
	if !ok || m.expired(cur, now) {
		return apperr.New(apperr.NotFound, "session: %s not found", s.ID)
	}
	s.LastSeen = now.UTC()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Reap(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, s := range m.sessions {
		if m.expired(s, now) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		zap.L().Debug("session: reaped idle sessions", zap.Int("count", n))
	}
	return n, nil
}

// Len returns the number of stored sessions, including idle ones not yet reaped.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
