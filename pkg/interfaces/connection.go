package interfaces

// Connection is a live gateway socket as seen by RPC handlers
// FUNCTIONAL DISCOVERY: WriteJSON must be safe for concurrent callers; the
// websocket implementation funnels every write through one goroutine
type Connection interface {
	// WriteJSON queues a frame for the client
	WriteJSON(v interface{}) error

	// Close closes the socket; safe to call more than once
	Close() error

	// ConnID returns the registry key of this connection
	ConnID() string

	// ClientIP returns the resolved client address
	ClientIP() string
}
