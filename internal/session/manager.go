// Package session manages mock-client bridge sessions on top of the shared
// transport.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/transport"
)

// MaxSessions limits concurrently open mock-client channels.
const MaxSessions = 16

// ErrTooManySessions is returned by Open when MaxSessions are open.
var ErrTooManySessions = errors.New("too many bridge sessions")

// Manager handles open bridge sessions.
type Manager struct {
	transport *transport.Transport
	log       *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
	owner    string
}

// NewManager creates a session manager over the shared transport.
func NewManager(t *transport.Transport, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		transport: t,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a new session.
func (m *Manager) Open() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= MaxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		mgr:          m,
		log:          m.log.WithField("session", id[:8]),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan Event, eventQueue),
		lastAccessed: now,
	}
	m.sessions[id] = s
	s.log.Debug("bridge session opened")
	return s, nil
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Owner returns the ID of the session holding the DeviceSession, if any.
func (m *Manager) Owner() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner, m.owner != ""
}

// List returns all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}

func (m *Manager) setOwner(id string) {
	m.mu.Lock()
	m.owner = id
	m.mu.Unlock()
}

func (m *Manager) clearOwner(id string) {
	m.mu.Lock()
	if m.owner == id {
		m.owner = ""
	}
	m.mu.Unlock()
}

func (m *Manager) isOwner(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner == id
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	if m.owner == id {
		m.owner = ""
	}
	m.mu.Unlock()
}
