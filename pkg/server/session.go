package server

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/parley/pkg/protocol"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyOnline indicates the username is bound to another live connection
	ErrAlreadyOnline = errors.New("user already online")
)

// SafeConn serializes frame writes on a connection. Pushes from other
// workers and the owner's replies share it, so whole frames never interleave.
type SafeConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	maxFrameSize uint32

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn; writeTimeout 0 disables write deadlines
func NewSafeConn(conn net.Conn, writeTimeout time.Duration, maxFrameSize uint32) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout, maxFrameSize: maxFrameSize}
}

// WritePayload frames an already marshaled payload and writes it
func (c *SafeConn) WritePayload(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.EncodeFrameMax(c.conn, &protocol.Frame{Version: protocol.ProtocolVersion, Payload: payload}, c.maxFrameSize)
}

// WriteMessage marshals v and writes it as one frame
func (c *SafeConn) WriteMessage(v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return c.WritePayload(payload)
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Client is one accepted connection, on any transport
type Client struct {
	ID        string
	Transport string
	Remote    string
	Conn      *SafeConn

	mu       sync.RWMutex
	username string // empty until login succeeds
}

func newClient(conn net.Conn, transport string, writeTimeout time.Duration, maxFrameSize uint32) *Client {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Client{
		ID:        uuid.NewString(),
		Transport: transport,
		Remote:    remote,
		Conn:      NewSafeConn(conn, writeTimeout, maxFrameSize),
	}
}

// Username returns the authenticated username, or "" before login
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) setUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// SessionManager is the online-session registry: at most one live connection
// per username. It also tracks every open connection for shutdown.
type SessionManager struct {
	mu      sync.RWMutex
	online  map[string]*Client // username -> connection
	clients map[string]*Client // connection id -> connection
	closed  bool
	metrics *Metrics
}

// NewSessionManager creates an empty registry; metrics may be nil
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		online:  make(map[string]*Client),
		clients: make(map[string]*Client),
		metrics: metrics,
	}
}

// Track registers an open connection. It returns false once CloseAll has
// run, in which case the caller must drop the connection.
func (sm *SessionManager) Track(c *Client) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return false
	}
	sm.clients[c.ID] = c
	return true
}

// Untrack forgets a closed connection
func (sm *SessionManager) Untrack(c *Client) {
	sm.mu.Lock()
	delete(sm.clients, c.ID)
	sm.mu.Unlock()
}

// Add binds username to c
func (sm *SessionManager) Add(username string, c *Client) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.online[username]; ok {
		return ErrAlreadyOnline
	}
	sm.online[username] = c
	sm.recordOnline()
	return nil
}

// Remove drops the binding for username, whoever owns it
func (sm *SessionManager) Remove(username string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.online, username)
	sm.recordOnline()
}

// Release drops c's binding and reports whether c still owned it
func (sm *SessionManager) Release(c *Client) bool {
	username := c.Username()
	if username == "" {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.online[username] != c {
		return false
	}
	delete(sm.online, username)
	sm.recordOnline()
	return true
}

// recordOnline updates the online gauge; caller holds sm.mu
func (sm *SessionManager) recordOnline() {
	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(len(sm.online))
	}
}

// IsOnline reports whether username has a live connection
func (sm *SessionManager) IsOnline(username string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.online[username]
	return ok
}

// ListOnline returns the sorted online usernames
func (sm *SessionManager) ListOnline() []string {
	sm.mu.RLock()
	users := make([]string, 0, len(sm.online))
	for u := range sm.online {
		users = append(users, u)
	}
	sm.mu.RUnlock()

	sort.Strings(users)
	return users
}

// CountOnline returns the number of online users
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.online)
}

// CountConnections returns the number of tracked connections
func (sm *SessionManager) CountConnections() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.clients)
}

// Send pushes ev to username's connection. Offline users miss the push.
// A failed write closes the connection; its worker then cleans up.
func (sm *SessionManager) Send(username string, ev protocol.Event) bool {
	sm.mu.RLock()
	c, ok := sm.online[username]
	sm.mu.RUnlock()
	if !ok {
		return false
	}

	payload, err := protocol.Marshal(ev)
	if err != nil {
		debugLog.Printf("Failed to encode %s push: %v", ev.EventType(), err)
		return false
	}
	return sm.deliver(c, ev.EventType(), payload)
}

// Broadcast pushes ev to every online user except the named one and returns
// how many connections accepted it
func (sm *SessionManager) Broadcast(ev protocol.Event, except string) int {
	payload, err := protocol.Marshal(ev)
	if err != nil {
		debugLog.Printf("Failed to encode %s push: %v", ev.EventType(), err)
		return 0
	}

	sm.mu.RLock()
	targets := make([]*Client, 0, len(sm.online))
	for u, c := range sm.online {
		if u != except {
			targets = append(targets, c)
		}
	}
	sm.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if sm.deliver(c, ev.EventType(), payload) {
			delivered++
		}
	}
	return delivered
}

func (sm *SessionManager) deliver(c *Client, eventType string, payload []byte) bool {
	if err := c.Conn.WritePayload(payload); err != nil {
		debugLog.Printf("Connection %s: %s push failed: %v", c.ID, eventType, err)
		c.Conn.Close()
		return false
	}
	if sm.metrics != nil {
		sm.metrics.RecordPush(eventType)
	}
	return true
}

// CloseAll closes every tracked connection and refuses new ones. Bindings
// are left for the workers, which log their users out as they exit.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	clients := make([]*Client, 0, len(sm.clients))
	for _, c := range sm.clients {
		clients = append(clients, c)
	}
	sm.mu.Unlock()

	for _, c := range clients {
		c.Conn.Close()
	}
}
