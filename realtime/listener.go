package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agamim/portal-server-go/auth"
)

// ErrConnClosed is returned when writing to a connection that was closed.
var ErrConnClosed = errors.New("realtime: connection closed")

// Sender delivers serialized frames to one client.
type Sender interface {
	Send(frame []byte) error
}

// Listener is an authenticated connection that receives room traffic.
type Listener struct {
	id        string
	principal *auth.Principal
	out       Sender
}

// NewListener binds an authenticated principal to a frame sender.
func NewListener(id string, p *auth.Principal, out Sender) *Listener {
	return &Listener{id: id, principal: p, out: out}
}

func (l *Listener) ID() string                 { return l.id }
func (l *Listener) Principal() *auth.Principal { return l.principal }

// Groups returns the group ids captured at handshake time.
func (l *Listener) Groups() []string { return l.principal.GroupIDs() }

// Send writes one frame to the client.
func (l *Listener) Send(frame []byte) error { return l.out.Send(frame) }

// lockedConn serializes writes to a websocket connection. gorilla/websocket
// allows one concurrent writer; the dispatcher, the handshake and the
// timeout path all write through here.
type lockedConn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	writeWait time.Duration
	closed    bool
}

func newLockedConn(ws *websocket.Conn, writeWait time.Duration) *lockedConn {
	return &lockedConn{ws: ws, writeWait: writeWait}
}

func (c *lockedConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *lockedConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// close sends a close frame with code and reason, then closes the socket.
// Only the first call has an effect.
func (c *lockedConn) close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
	return c.ws.Close()
}
