package websocket

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"agentgate/pkg/interfaces"
)

// Sockets tracks live sockets by conn id for kicks and shutdown.
// The session registry holds the client metadata; this only holds transports.
// Sockets still in their handshake are tracked separately so shutdown can
// close them too. After CloseAll nothing new is admitted.
type Sockets struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	tracked     map[*Connection]struct{}
	closed      bool
	active      sync.WaitGroup
}

// NewSockets creates an empty directory
func NewSockets() *Sockets {
	return &Sockets{
		connections: make(map[string]*Connection),
		tracked:     make(map[*Connection]struct{}),
	}
}

// Track admits conn from upgrade until Release. It fails once CloseAll ran.
func (s *Sockets) Track(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketsClosed
	}
	if _, exists := s.tracked[conn]; exists {
		return nil
	}
	s.tracked[conn] = struct{}{}
	s.active.Add(1)
	return nil
}

// Release ends tracking of conn. Wait returns once every tracked socket
// was released.
func (s *Sockets) Release(conn *Connection) {
	s.mu.Lock()
	_, exists := s.tracked[conn]
	delete(s.tracked, conn)
	s.mu.Unlock()

	if exists {
		s.active.Done()
	}
}

// Wait blocks until every tracked socket was released or ctx ends
func (s *Sockets) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracked returns the number of sockets not yet released
func (s *Sockets) Tracked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracked)
}

// Add registers conn under its conn id, replacing any previous socket.
// It fails with ErrSocketsClosed once CloseAll ran.
func (s *Sockets) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.ConnID() == "" {
		return ErrEmptyConnID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketsClosed
	}
	s.connections[conn.ConnID()] = conn
	return nil
}

// Remove drops conn only if it is the socket currently registered under its id
func (s *Sockets) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	registered, exists := s.connections[conn.ConnID()]
	if !exists || registered != conn {
		return false
	}
	delete(s.connections, conn.ConnID())
	return true
}

// Lookup returns the live socket for connID
func (s *Sockets) Lookup(connID string) (interfaces.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.connections[connID]
	if !exists {
		return nil, false
	}
	return conn, true
}

// Count returns the number of live sockets
func (s *Sockets) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// CloseAll closes every live and handshaking socket and stops admitting new
// ones. Read loops observe the close and unregister.
func (s *Sockets) CloseAll() int {
	s.mu.Lock()
	s.closed = true
	seen := make(map[*Connection]struct{}, len(s.connections)+len(s.tracked))
	conns := make([]*Connection, 0, len(s.connections)+len(s.tracked))
	for _, c := range s.connections {
		seen[c] = struct{}{}
		conns = append(conns, c)
	}
	for c := range s.tracked {
		if _, dup := seen[c]; !dup {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithReason(websocket.CloseGoingAway, "gateway shutting down")
	}
	return len(conns)
}
