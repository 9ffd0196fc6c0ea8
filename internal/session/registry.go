// Package session keeps the directory of live, authenticated gateway
// connections keyed by connection ID.
package session

import (
	"sort"
	"sync"

	"agentgate/pkg/types"
)

// Connection is one live client session.
// Values handed out by the registry are copies; mutate through the registry.
type Connection struct {
	ConnID        string           `json:"conn_id"`
	Role          types.ClientRole `json:"role"`
	ClientID      string           `json:"client_id,omitempty"`
	ClientMode    types.ClientMode `json:"client_mode,omitempty"`
	ConnectedAtMs int64            `json:"connected_at_ms"`
	LastFrameMs   int64            `json:"last_frame_ms"`
	Authenticated bool             `json:"authenticated"`
	PresenceKey   string           `json:"presence_key,omitempty"`
}

// Registry is the thread-safe connection directory
// ARCHITECTURAL DISCOVERY: One coarse RWMutex for the whole map. Callers that
// need "remove connection and clear presence" make two separate locked calls.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // connID -> Connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Add registers connID as an authenticated connection stamped with the wall clock
func (r *Registry) Add(connID string, role types.ClientRole, clientID string, clientMode types.ClientMode) error {
	return r.AddAt(connID, role, clientID, clientMode, types.NowMillis())
}

// AddAt registers connID at nowMs. An existing entry with the same ID is
// replaced without merging.
func (r *Registry) AddAt(connID string, role types.ClientRole, clientID string, clientMode types.ClientMode, nowMs int64) error {
	if connID == "" {
		return ErrEmptyConnID
	}

	conn := &Connection{
		ConnID:        connID,
		Role:          role,
		ClientID:      clientID,
		ClientMode:    clientMode,
		ConnectedAtMs: nowMs,
		LastFrameMs:   nowMs,
		Authenticated: true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connID] = conn
	return nil
}

// Remove deletes connID and reports whether it was present
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; !exists {
		return false
	}
	delete(r.connections, connID)
	return true
}

// Get returns a copy of the connection for connID
func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	if !exists {
		return Connection{}, false
	}
	return *conn, true
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// UpdateLastFrame stamps the connection's last activity; no-op when absent
func (r *Registry) UpdateLastFrame(connID string) {
	r.UpdateLastFrameAt(connID, types.NowMillis())
}

// UpdateLastFrameAt is UpdateLastFrame at nowMs
func (r *Registry) UpdateLastFrameAt(connID string, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.connections[connID]; exists {
		conn.LastFrameMs = nowMs
	}
}

// SetPresenceKey records the presence identity claimed by connID.
// Returns false when connID is not registered.
func (r *Registry) SetPresenceKey(connID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return false
	}
	conn.PresenceKey = key
	return true
}

// IsAuthenticated reports whether connID is registered and authenticated
func (r *Registry) IsAuthenticated(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return exists && conn.Authenticated
}

// List returns copies of all connections ordered by connect time, then ID
func (r *Registry) List() []Connection {
	r.mu.RLock()
	list := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		list = append(list, *conn)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAtMs != list[j].ConnectedAtMs {
			return list[i].ConnectedAtMs < list[j].ConnectedAtMs
		}
		return list[i].ConnID < list[j].ConnID
	})
	return list
}

// Clear drops every connection
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = make(map[string]*Connection)
}
