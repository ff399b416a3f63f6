// Package session keeps the in-memory per-conversation rolling history and
// turn counter, bounded by TTL and an LRU cap.
package session

import (
	"sync"
	"time"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles recorded in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type state struct {
	history     []Message
	roundCount  int
	lastTouched time.Time
}

// Manager owns the session map. Every access evicts expired sessions first,
// then enforces the cap by dropping the least-recently-touched entries.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*state
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
}

// NewManager builds a bounded session manager.
func NewManager(maxSessions int, ttl time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*state),
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// touch must run with the lock held. It evicts and returns the (possibly
// fresh) session for id.
func (m *Manager) touch(id string) *state {
	now := m.now()
	for sid, s := range m.sessions {
		if now.Sub(s.lastTouched) > m.ttl {
			delete(m.sessions, sid)
		}
	}
	for len(m.sessions) >= m.maxSessions {
		if _, ok := m.sessions[id]; ok && len(m.sessions) == m.maxSessions {
			break
		}
		oldest := ""
		var oldestAt time.Time
		for sid, s := range m.sessions {
			if oldest == "" || s.lastTouched.Before(oldestAt) {
				oldest = sid
				oldestAt = s.lastTouched
			}
		}
		if oldest == "" {
			break
		}
		delete(m.sessions, oldest)
	}

	s, ok := m.sessions[id]
	if !ok {
		s = &state{}
		m.sessions[id] = s
	}
	s.lastTouched = now
	return s
}

// AppendUser records a user turn.
func (m *Manager) AppendUser(id, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(id)
	s.history = append(s.history, Message{Role: RoleUser, Content: content})
}

// AppendAssistant records an assistant turn, increments the round counter
// and returns the new count.
func (m *Manager) AppendAssistant(id, content string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(id)
	s.history = append(s.history, Message{Role: RoleAssistant, Content: content})
	s.roundCount++
	return s.roundCount
}

// RoundCount returns the current round counter.
func (m *Manager) RoundCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touch(id).roundCount
}

// History returns a copy of the session's history.
func (m *Manager) History(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(id)
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// TakeHistory atomically snapshots the history and resets the session,
// handing the frozen slice to the reflection task. The slot survives.
func (m *Manager) TakeHistory(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(id)
	out := s.history
	s.history = nil
	s.roundCount = 0
	return out
}

// Reset clears history and counter but preserves the slot.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(id)
	s.history = nil
	s.roundCount = 0
}

// Count reports how many sessions are live.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
