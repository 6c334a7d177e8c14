package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agamim/portal-server-go/auth"
	"github.com/agamim/portal-server-go/internal/logctx"
)

const (
	// DefaultHandshakeTimeout bounds how long a connection may stay
	// unauthenticated before it is closed.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultPongWait is how long the peer may stay silent before the
	// connection is considered dead.
	DefaultPongWait = 60 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReadLimit caps the size of an inbound message.
	DefaultReadLimit = 64 << 10

	msgAuthenticated = "authenticated"
	msgTimedOut      = "authentication timed out"
)

type handshakeState int32

const (
	stateAwaitingAuth handshakeState = iota
	stateAuthenticating
	stateAuthenticated
	stateRejected
	stateTimedOut
)

func (s handshakeState) String() string {
	switch s {
	case stateAwaitingAuth:
		return "awaiting_auth"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateRejected:
		return "rejected"
	case stateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Manager upgrades HTTP requests to WebSocket connections and runs the
// authentication handshake. The first message a client sends is its bearer
// token; on success the connection joins a room per group of its user.
type Manager struct {
	authn auth.Checker
	reg   *Registry

	upgrader         websocket.Upgrader
	clock            clock.Clock
	handshakeTimeout time.Duration
	pongWait         time.Duration
	writeTimeout     time.Duration
	readLimit        int64
	log              *slog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHandshakeTimeout sets how long a client has to authenticate.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

// WithManagerClock sets the clock driving the handshake timer and pings.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithPongWait sets the keepalive window. Pings are sent at 9/10 of it.
func WithPongWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pongWait = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithReadLimit caps inbound message size in bytes.
func WithReadLimit(n int64) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.readLimit = n
		}
	}
}

// WithCheckOrigin sets the upgrader's origin policy. The default accepts any
// origin.
func WithCheckOrigin(fn func(r *http.Request) bool) ManagerOption {
	return func(m *Manager) {
		m.upgrader.CheckOrigin = fn
	}
}

// NewManager returns a Manager authenticating with authn and registering
// listeners into reg.
func NewManager(authn auth.Checker, reg *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		authn: authn,
		reg:   reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clock:            clock.New(),
		handshakeTimeout: DefaultHandshakeTimeout,
		pongWait:         DefaultPongWait,
		writeTimeout:     DefaultWriteTimeout,
		readLimit:        DefaultReadLimit,
		log:              slog.Default(),
		conns:            make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type conn struct {
	id       string
	ws       *websocket.Conn
	out      *lockedConn
	state    atomic.Int32
	timer    *clock.Timer
	listener atomic.Pointer[Listener]
}

func (c *conn) loadState() handshakeState { return handshakeState(c.state.Load()) }

func (c *conn) transition(from, to handshakeState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *conn) userID() string {
	if l := c.listener.Load(); l != nil {
		return l.Principal().UserID()
	}
	return ""
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		m.log.InfoContext(r.Context(), "realtime.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &conn{
		id:  uuid.NewString(),
		ws:  ws,
		out: newLockedConn(ws, m.writeTimeout),
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:  c.id,
		UserIDF: c.userID,
		StateF:  func() string { return c.loadState().String() },
	})

	c.timer = m.clock.AfterFunc(m.handshakeTimeout, func() { m.handshakeTimedOut(ctx, c) })

	if !m.track(c) {
		c.timer.Stop()
		_ = c.out.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer m.release(ctx, c)

	m.log.DebugContext(ctx, "realtime.conn.open", slog.String("remote_addr", r.RemoteAddr))

	ws.SetReadLimit(m.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(m.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.pongWait))
	})
	go m.keepAlive(ctx, c)

	attempted := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				m.log.DebugContext(ctx, "realtime.conn.read_fail", slog.String("err", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.pongWait))
		if attempted {
			m.log.DebugContext(ctx, "realtime.conn.discard", slog.Int("bytes", len(data)))
			continue
		}
		attempted = true
		m.handshake(ctx, c, string(data))
	}
}

// handshake authenticates the first message of a connection. A bare compact
// JWS is accepted as well as the "Bearer <token>" form.
func (m *Manager) handshake(ctx context.Context, c *conn, msg string) {
	if !c.transition(stateAwaitingAuth, stateAuthenticating) {
		return
	}
	c.timer.Stop()

	header := strings.TrimSpace(msg)
	if !strings.HasPrefix(header, "Bearer ") {
		header = "Bearer " + header
	}

	p, err := m.authn.Authenticate(ctx, header)
	if err != nil {
		c.state.Store(int32(stateRejected))
		m.log.InfoContext(ctx, "realtime.handshake.fail", slog.String("err", err.Error()))
		m.sendControl(ctx, c, auth.ChallengeFor(err).Message)
		return
	}

	l := NewListener(c.id, p, c.out)
	c.listener.Store(l)
	c.state.Store(int32(stateAuthenticated))
	// The notice goes out before the first room frame can.
	m.sendControl(ctx, c, msgAuthenticated)
	m.reg.Register(l, p.GroupIDs())
	m.log.InfoContext(ctx, "realtime.handshake.ok", slog.Int("groups", len(p.GroupIDs())))
}

func (m *Manager) handshakeTimedOut(ctx context.Context, c *conn) {
	if !c.transition(stateAwaitingAuth, stateTimedOut) {
		return
	}
	m.log.InfoContext(ctx, "realtime.handshake.timeout")
	m.sendControl(ctx, c, msgTimedOut)
	// Closing the socket ends the read loop, which releases the connection.
	_ = c.out.close(websocket.ClosePolicyViolation, msgTimedOut)
}

func (m *Manager) sendControl(ctx context.Context, c *conn, msg string) {
	if err := c.out.Send(encodeControl(msg)); err != nil {
		m.log.DebugContext(ctx, "realtime.control.send_fail", slog.String("err", err.Error()))
	}
}

func (m *Manager) keepAlive(ctx context.Context, c *conn) {
	t := m.clock.Ticker(m.pongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.out.ping(); err != nil {
				return
			}
		}
	}
}

func (m *Manager) track(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c.id] = c
	return true
}

func (m *Manager) release(ctx context.Context, c *conn) {
	c.timer.Stop()
	if l := c.listener.Load(); l != nil {
		m.reg.Unregister(l)
	}
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	_ = c.out.close(websocket.CloseNormalClosure, "")
	m.log.DebugContext(ctx, "realtime.conn.close")
}

// Count reports the number of live connections, authenticated or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every live connection and rejects new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.out.close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}
