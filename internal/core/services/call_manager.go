package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// CallManager keeps at most one session per group for this process.
type CallManager struct {
	deps   SessionDeps
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.GroupID]*CallSession
}

func NewCallManager(deps SessionDeps) *CallManager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CallManager{
		deps:     deps,
		logger:   logger,
		sessions: make(map[domain.GroupID]*CallSession),
	}
}

// Join creates and joins a session for cfg.GroupID. It fails with
// ErrAlreadyInCall while another session for the group is live.
func (m *CallManager) Join(ctx context.Context, cfg SessionConfig) (*CallSession, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[cfg.GroupID]; ok && existing.State() != domain.CallStateEnded {
		m.mu.Unlock()
		return nil, fmt.Errorf("group %s: %w", cfg.GroupID, domain.ErrAlreadyInCall)
	}
	session, err := NewCallSession(cfg, m.deps)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[cfg.GroupID] = session
	m.mu.Unlock()

	if err := session.Join(ctx); err != nil {
		m.forget(cfg.GroupID, session)
		return nil, err
	}

	go func() {
		<-session.Done()
		m.forget(cfg.GroupID, session)
	}()
	return session, nil
}

func (m *CallManager) Get(groupID domain.GroupID) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[groupID]
	if !ok || session.State() == domain.CallStateEnded {
		return nil, fmt.Errorf("group %s: %w", groupID, domain.ErrNotInCall)
	}
	return session, nil
}

// Active lists the groups with a live session.
func (m *CallManager) Active() []domain.GroupID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.GroupID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() != domain.CallStateEnded {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *CallManager) Leave(ctx context.Context, groupID domain.GroupID) error {
	session, err := m.Get(groupID)
	if err != nil {
		return err
	}
	err = session.Leave(ctx)
	m.forget(groupID, session)
	return err
}

func (m *CallManager) LeaveAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *CallSession) {
			defer wg.Done()
			if err := s.Leave(ctx); err != nil {
				m.logger.Warnw("leave failed", "group_id", s.GroupID(), "error", err)
			}
			m.forget(s.GroupID(), s)
		}(s)
	}
	wg.Wait()
}

func (m *CallManager) forget(groupID domain.GroupID, session *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[groupID] == session {
		delete(m.sessions, groupID)
	}
}
