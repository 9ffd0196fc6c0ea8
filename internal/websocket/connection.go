package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds one socket write and one enqueue
const DefaultWriteTimeout = 5 * time.Second

// DefaultBufferSize is the outbound queue depth per connection
const DefaultBufferSize = 100

// outbound is one queued frame. closeAfter ends the connection once written.
type outbound struct {
	data       []byte
	closeAfter bool
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan outbound
	connID       string
	clientIP     string
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, connID, clientIP string) *Connection {
	return newConnection(conn, connID, clientIP, DefaultBufferSize, DefaultWriteTimeout)
}

func newConnection(conn *websocket.Conn, connID, clientIP string, buffer int, writeTimeout time.Duration) *Connection {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan outbound, buffer),
		connID:       connID,
		clientIP:     clientIP,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()
	return c
}

// writeLoop is the only goroutine that writes data frames.
// writeCh is never closed; senders select on ctx instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case msg := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				_ = c.Close()
				return
			}
			if msg.closeAfter {
				_ = c.CloseWithReason(websocket.ClosePolicyViolation, "")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	return c.enqueue(v, false)
}

// WriteJSONAndClose queues v as the last frame. The writer closes the socket
// after flushing it; the call waits for that or the write timeout.
func (c *Connection) WriteJSONAndClose(v interface{}) error {
	if err := c.enqueue(v, true); err != nil {
		_ = c.Close()
		return err
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
	case <-timer.C:
		_ = c.Close()
	}
	return nil
}

func (c *Connection) enqueue(v interface{}, closeAfter bool) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- outbound{data: data, closeAfter: closeAfter}:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close cancels the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithReason sends a close frame before closing
func (c *Connection) CloseWithReason(code int, reason string) error {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return c.Close()
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ConnID returns the registry key of this connection
func (c *Connection) ConnID() string {
	return c.connID
}

// ClientIP returns the resolved client address
func (c *Connection) ClientIP() string {
	return c.clientIP
}
