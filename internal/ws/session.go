package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport abstracts the duplex connection under a session so the
// protocol can be exercised without a real websocket.
type Transport interface {
	Send(payload []byte) error
	Close()
}

// SessionState is the per-session lifecycle. A session never skips
// Connected, and team membership requires Authenticated first.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateDisconnected
)

// Session is one realtime client connection. Identity fields are bound
// on authenticate and read under the session mutex; membership lives in
// the Registry, not here.
type Session struct {
	id          string
	transport   Transport
	remoteAddr  string
	connectedAt time.Time

	mu     sync.Mutex
	state  SessionState
	userID string
	teamID string
}

// NewSession wraps a transport in an unauthenticated session.
func NewSession(transport Transport, remoteAddr string) *Session {
	return &Session{
		id:          uuid.NewString(),
		transport:   transport,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		state:       StateConnected,
	}
}

// ID returns the transport-session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client address used for rate-limit accounting.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectedAt reports when the transport was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// UserID returns the bound user, or empty while unauthenticated.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// TeamID returns the joined team, or empty.
func (s *Session) TeamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamID
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send writes a frame to the client.
func (s *Session) Send(payload []byte) error {
	return s.transport.Send(payload)
}

// Close tears down the transport.
func (s *Session) Close() {
	s.transport.Close()
}

func (s *Session) bind(userID, teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.teamID = teamID
	s.state = StateAuthenticated
}

func (s *Session) setTeam(teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamID = teamID
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
}
