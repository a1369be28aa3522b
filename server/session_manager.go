package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/openjproxy/ojp/internal/wire"
)

// Resource is one entry in a session's resource arena. Value is the
// concrete server-side handle (a *sql.Stmt, *sql.Rows, a *LobHandle, a
// savepoint name, ...); the reflection facade dispatches on Kind+CallName
// without ever needing to know Value's concrete type beyond a type switch
// at the leaf.
type Resource struct {
	ID    string
	Kind  wire.ResourceKind
	Value interface{}
	Caps  wire.Capability
}

// ClientSession is the server-side mirror of the client's session handle:
// owns exactly one underlying connection (ordinary or XA) and an arena of
// resources, all closed together on termination.
type ClientSession struct {
	ID       string
	ConnHash string
	IsXA     bool

	mu            sync.Mutex
	conn          *PooledSession
	xaSession     *XABackendSession
	resources     map[string]*Resource
	resourceOrder []string
	txActive      bool
	lastActivity  time.Time
	terminated    bool
}

func (s *ClientSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RegisterResource assigns a fresh id to res within the session and
// returns it; the session owns every resource it registers.
func (s *ClientSession) RegisterResource(kind wire.ResourceKind, value interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.resources[id] = &Resource{ID: id, Kind: kind, Value: value, Caps: wire.Capabilities(kind)}
	s.resourceOrder = append(s.resourceOrder, id)
	return id
}

func (s *ClientSession) Resource(id string) (*Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	return r, ok
}

// ResourceCloser is implemented by resource values that hold real
// server-side handles (prepared statements, result sets, LOB buffers) and
// must release them on session termination.
type ResourceCloser interface {
	Close() error
}

// SessionManager owns session lifetime, attached resources, and the
// cleanup daemon: an id-keyed map guarded by a mutex, with a periodic
// cleanup goroutine expiring idle sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession

	timeout         time.Duration
	cleanupInterval time.Duration

	releaseOrdinary func(connHash string, s *PooledSession, wasFaulty bool)
	releaseXA       func(connHash string, s *XABackendSession)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSessionManager(timeout, cleanupInterval time.Duration, releaseOrdinary func(string, *PooledSession, bool), releaseXA func(string, *XABackendSession)) *SessionManager {
	return &SessionManager{
		sessions:        make(map[string]*ClientSession),
		timeout:         timeout,
		cleanupInterval: cleanupInterval,
		releaseOrdinary: releaseOrdinary,
		releaseXA:       releaseXA,
		stopCh:          make(chan struct{}),
	}
}

// Create allocates a new session over an ordinary pooled connection.
func (m *SessionManager) Create(connHash string, conn *PooledSession) *ClientSession {
	s := &ClientSession{
		ID:           uuid.NewString(),
		ConnHash:     connHash,
		conn:         conn,
		resources:    make(map[string]*Resource),
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// CreateXA allocates a new session over a pre-bound XA backend session.
func (m *SessionManager) CreateXA(connHash string, xaSession *XABackendSession) *ClientSession {
	s := &ClientSession{
		ID:           uuid.NewString(),
		ConnHash:     connHash,
		IsXA:         true,
		xaSession:    xaSession,
		resources:    make(map[string]*Resource),
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Resolve returns the bound session for id, or SessionInvalidated.
func (m *SessionManager) Resolve(id string) (*ClientSession, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, wire.NewError(wire.KindSessionInvalidated, "unknown session %s", id)
	}
	s.touch()
	return s, nil
}

// Terminate closes all owned resources in reverse-registration order,
// rolls back any open transaction, and returns the underlying connection to
// its pool. Idempotent: terminating an already-terminated or unknown
// session is a no-op that reports alreadyDone=true.
func (m *SessionManager) Terminate(id string) (alreadyDone bool, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return true, nil
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return true, nil
	}
	s.terminated = true

	for i := len(s.resourceOrder) - 1; i >= 0; i-- {
		res := s.resources[s.resourceOrder[i]]
		if closer, ok := res.Value.(ResourceCloser); ok {
			if cerr := closer.Close(); cerr != nil {
				log.Warnf("server: error closing resource %s/%s of session %s: %v", res.Kind, res.ID, id, cerr)
			}
		}
	}

	wasFaulty := false
	if s.txActive {
		wasFaulty = true // unterminated transaction on session close is treated as a faulty return
	}
	conn := s.conn
	xaSession := s.xaSession
	isXA := s.IsXA
	connHash := s.ConnHash
	s.mu.Unlock()

	if isXA {
		xaSession.mu.Lock()
		xaSession.clientConnectionClosed = true
		xaSession.mu.Unlock()
		m.releaseXA(connHash, xaSession)
	} else if conn != nil {
		m.releaseOrdinary(connHash, conn, wasFaulty)
	}

	return false, nil
}

// StartCleanup runs a background daemon that periodically enumerates
// sessions and terminates any whose idle time exceeds timeout.
func (m *SessionManager) StartCleanup() {
	if m.cleanupInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *SessionManager) sweep() {
	now := time.Now()
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		log.Infof("server: expiring idle session %s", id)
		if _, err := m.Terminate(id); err != nil {
			log.Warnf("server: error expiring session %s: %v", id, err)
		}
	}
}

func (m *SessionManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
