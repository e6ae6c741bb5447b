package hubproto

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by writes after [Conn.Close].
var ErrConnClosed = errors.New("heartbeat connection closed")

const (
	defaultWriteTimeout = 5 * time.Second
	// MaxFrameBytes bounds a single inbound frame.
	MaxFrameBytes = 16 * 1024
)

// Conn serializes JSON frames on a websocket. Reads must come from a single
// goroutine; writes may come from any.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewConn wraps ws. A non-positive writeTimeout uses a default.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(MaxFrameBytes)
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Write sends one frame.
func (c *Conn) Write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// Read waits up to timeout for the next valid frame. A zero timeout waits
// indefinitely.
func (c *Conn) Read(timeout time.Duration) (Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, msg.Validate()
}

// CloseNormal sends a normal-closure control frame and closes the socket.
func (c *Conn) CloseNormal(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	werr := c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(c.writeTimeout))
	return errors.Join(werr, c.ws.Close())
}

// Close closes the socket without a close handshake.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// IsNormalClose reports whether err is the peer's normal closure.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
