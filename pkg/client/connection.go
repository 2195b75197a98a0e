// Package client is a Go client for the Parley chat protocol over TCP,
// WebSocket or SSH.
package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/parley/pkg/protocol"
)

// ErrClosed is returned once the connection has been closed
var ErrClosed = errors.New("connection closed")

// Message is one decoded server message
type Message struct {
	Type    string
	Payload []byte
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	return protocol.Unmarshal(m.Payload, v)
}

// Connection represents a client connection to the server
type Connection struct {
	addr    string
	dial    func() (net.Conn, error)
	warning string

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	writeMu sync.Mutex

	incoming chan *Message
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger
	onPush func(*Message)

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a connection to addr, which is host:port,
// tcp://host:port, ws://host:port, wss://host:port or ssh://[user@]host:port
func NewConnection(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     cfg.display,
		dial:     cfg.dial,
		warning:  cfg.warning,
		incoming: make(chan *Message, 100),
		errors:   make(chan error, 10),
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the connection and starts reading
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected to %s", c.addr)
	if c.warning != "" {
		c.logf("WARNING: %s", c.warning)
	}

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)

		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
	})
}

// Send marshals v and writes it as one frame
func (c *Connection) Send(v any) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrClosed
	}

	payload, err := protocol.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := &countingWriter{w: conn, counter: &c.bytesSent}
	return protocol.EncodeFrame(w, &protocol.Frame{Version: protocol.ProtocolVersion, Payload: payload})
}

// Incoming returns the channel of messages from the server; it is closed by Close
func (c *Connection) Incoming() <-chan *Message {
	return c.incoming
}

// Errors returns the channel for read errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Address returns the server address
func (c *Connection) Address() string {
	return c.addr
}

// BytesSent returns the total bytes sent
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	decoder := protocol.NewDecoder(&countingReader{r: conn, counter: &c.bytesReceived}, 0)
	for {
		frame, err := decoder.ReadFrame()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else {
				c.logf("Read error: %v", err)
			}
			select {
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		msgType, err := protocol.PeekType(frame.Payload)
		if err != nil {
			c.logf("Dropping undecodable message: %v", err)
			continue
		}
		c.logf("← RECV: %s (%d bytes)", msgType, len(frame.Payload))

		msg := &Message{Type: msgType, Payload: frame.Payload}
		if isPush(msgType) {
			if handler := c.pushHandler(); handler != nil {
				handler(msg)
				continue
			}
		}

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

func isPush(msgType string) bool {
	switch msgType {
	case protocol.TypeMessage, protocol.TypeUserStatus, protocol.TypeChatCreated, protocol.TypeError:
		return true
	}
	return false
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// Await returns the next message of one of the given types. Other messages
// are passed to skip, which may be nil.
func (c *Connection) Await(timeout time.Duration, skip func(*Message), types ...string) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				return nil, ErrClosed
			}
			for _, t := range types {
				if msg.Type == t {
					return msg, nil
				}
			}
			if skip != nil {
				skip(msg)
			}
		case err := <-c.errors:
			if err == nil {
				return nil, ErrClosed
			}
			return nil, err
		case <-timer.C:
			return nil, fmt.Errorf("timeout waiting for %v", types)
		}
	}
}
