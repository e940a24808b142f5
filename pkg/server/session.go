package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var ErrServerClosing = errors.New("server is shutting down")

// Session is one live connection. It implements presence.Handle: the
// directory pushes responses and events into its bounded outbox and a
// dedicated writer goroutine drains the outbox onto the wire, so a slow
// reader never stalls the directory lock.
type Session struct {
	id         string
	Conn       *SafeConn
	remoteAddr string
	connType   string // tcp, ssh or websocket
	createdAt  time.Time

	mu     sync.Mutex // Protects outbox close and the flags below
	outbox chan *protocol.Message
	closed bool // outbox closed, no more pushes
	slow   bool // closed because the outbox overflowed

	writerDone chan struct{}
	metrics    *Metrics
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Push queues msg for the writer without blocking. If the outbox is full the
// session is marked as a slow consumer and closed once what is already queued
// has been written.
func (s *Session) Push(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.outbox <- msg:
		return true
	default:
		s.slow = true
		s.closed = true
		close(s.outbox)
		if s.metrics != nil {
			s.metrics.RecordSlowConsumer()
		}
		debugLog.Printf("Session %s (%s): outbound queue full, closing slow consumer", s.id, s.remoteAddr)
		return false
	}
}

// Expire stops accepting pushes; the connection is closed after the writer
// has flushed everything queued before this call.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.outbox)
	}
}

// IsSlowConsumer reports whether the session was closed for falling behind.
func (s *Session) IsSlowConsumer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

// writeLoop drains the outbox and closes the connection when it is done.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.Conn.Close()

	broken := false
	for msg := range s.outbox {
		if broken {
			continue
		}
		if err := s.Conn.WriteMessage(msg.FrameType(), msg); err != nil {
			debugLog.Printf("Session %s: write error: %v", s.id, err)
			// Unblock the reader; it will report the disconnect
			s.Conn.Close()
			broken = true
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordMessageSent(msg.Action)
		}
	}
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions  map[string]*Session
	mu        sync.RWMutex
	closing   bool
	queueSize int
	metrics   *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(queueSize int) *SessionManager {
	if queueSize <= 0 {
		queueSize = DefaultConfig().OutboundQueueSize
	}
	return &SessionManager{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers conn and starts its writer goroutine
func (sm *SessionManager) CreateSession(connType string, conn net.Conn) (*Session, error) {
	sess := &Session{
		id:         uuid.NewString(),
		Conn:       NewSafeConn(conn),
		remoteAddr: conn.RemoteAddr().String(),
		connType:   connType,
		createdAt:  time.Now(),
		outbox:     make(chan *protocol.Message, sm.queueSize),
		writerDone: make(chan struct{}),
		metrics:    sm.metrics,
	}

	sm.mu.Lock()
	if sm.closing {
		sm.mu.Unlock()
		return nil, ErrServerClosing
	}
	sm.sessions[sess.id] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	go sess.writeLoop()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated(connType)
	}

	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession forgets a session and lets its writer flush and close the
// connection.
func (sm *SessionManager) RemoveSession(sessionID string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected(sess.connType)
	}

	sess.Expire()
}

// CountSessions returns the number of open connections
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session immediately and refuses new ones
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closing = true
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Expire()
		sess.Conn.Close()
	}
}
