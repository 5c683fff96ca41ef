package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/edgeworks/uaserver/ua"
)

// Session is one client connection's view of the server. It owns the
// publish engine that arbitrates the client's publish requests between
// its subscriptions.
type Session struct {
	sync.RWMutex
	srv        *Server
	id         ua.NodeID
	name       string
	engine     *PublishEngine
	created    time.Time
	lastAccess time.Time
	closed     bool
}

func newSession(srv *Server, name string) *Session {
	if name == "" {
		suffix, _ := gonanoid.New(8)
		name = "session-" + suffix
	}
	s := &Session{
		srv:     srv,
		id:      ua.NewNodeIDGUID(1, uuid.New()),
		name:    name,
		created: time.Now().UTC(),
	}
	s.lastAccess = s.created
	s.engine = NewPublishEngine(srv, s.id)
	return s
}

// ID returns the session id.
func (s *Session) ID() ua.NodeID {
	return s.id
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// PublishEngine returns the session's publish engine.
func (s *Session) PublishEngine() *PublishEngine {
	return s.engine
}

func (s *Session) touch() {
	s.Lock()
	s.lastAccess = time.Now().UTC()
	s.Unlock()
}

func (s *Session) isClosed() bool {
	s.RLock()
	defer s.RUnlock()
	return s.closed
}

func (s *Session) close(deleteSubscriptions bool) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.Unlock()
	s.engine.Close(deleteSubscriptions)
}

// SessionManager is the registry of active sessions.
type SessionManager struct {
	sync.RWMutex
	server       *Server
	sessionsByID map[string]*Session
}

// NewSessionManager instantiates a new SessionManager.
func NewSessionManager(server *Server) *SessionManager {
	return &SessionManager{
		server:       server,
		sessionsByID: make(map[string]*Session),
	}
}

// CreateSession adds a session, subject to the server's session limit.
func (m *SessionManager) CreateSession(name string) (*Session, ua.StatusCode) {
	m.Lock()
	defer m.Unlock()
	if max := m.server.caps.MaxSessionCount; max > 0 && len(m.sessionsByID) >= max {
		return nil, ua.BadTooManySessions
	}
	s := newSession(m.server, name)
	m.sessionsByID[s.ID().String()] = s
	if m.server.metrics != nil {
		m.server.metrics.SessionCount.Inc()
	}
	m.server.logger.WithFields(map[string]interface{}{
		"session": s.ID().String(),
		"name":    s.Name(),
	}).Info("session created")
	return s, ua.Good
}

// Get returns the session with the given id.
func (m *SessionManager) Get(id ua.NodeID) (*Session, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.sessionsByID[id.String()]
	return s, ok
}

// Len returns the number of active sessions.
func (m *SessionManager) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.sessionsByID)
}

// CloseSession removes a session. Without deleteSubscriptions its
// subscriptions are parked for a later transfer instead of deleted.
func (m *SessionManager) CloseSession(id ua.NodeID, deleteSubscriptions bool) bool {
	m.Lock()
	s, ok := m.sessionsByID[id.String()]
	if ok {
		delete(m.sessionsByID, id.String())
		if m.server.metrics != nil {
			m.server.metrics.SessionCount.Dec()
		}
	}
	m.Unlock()
	if !ok {
		return false
	}
	s.close(deleteSubscriptions)
	m.server.logger.WithField("session", id.String()).Info("session closed")
	return true
}

func (m *SessionManager) closeAll() {
	m.Lock()
	sessions := make([]*Session, 0, len(m.sessionsByID))
	for k, s := range m.sessionsByID {
		delete(m.sessionsByID, k)
		sessions = append(sessions, s)
	}
	m.Unlock()
	for _, s := range sessions {
		s.close(true)
	}
}
