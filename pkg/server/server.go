package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aeolun/parley/pkg/keylock"
	"github.com/aeolun/parley/pkg/protocol"
	"github.com/aeolun/parley/pkg/store"
)

// debugLog carries per-frame traffic; EnableDebugLogging turns it on
var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)

// Transport names used in logs and metrics
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportSSH       = "ssh"
)

// Server accepts connections and routes their requests
type Server struct {
	store      *store.Backend
	sessions   *SessionManager
	presence   *keylock.Map // per-username login/logout serialization
	metrics    *Metrics
	config     ServerConfig
	configPath string
	startTime  time.Time

	mu           sync.Mutex
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sshListener  net.Listener

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer opens the configured store and prepares a server
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	path, err := config.storePath()
	if err != nil {
		return nil, err
	}

	backend, err := store.Open(store.Options{
		Kind:       config.StorageBackend,
		Path:       path,
		BcryptCost: config.BcryptCost,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store at %s: %w", config.StorageBackend, path, err)
	}

	return newServer(config, configPath, backend), nil
}

func newServer(config ServerConfig, configPath string, backend *store.Backend) *Server {
	metrics := NewMetrics()
	return &Server{
		store:      backend,
		sessions:   NewSessionManager(metrics),
		presence:   keylock.New(),
		metrics:    metrics,
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
	}
}

// EnableDebugLogging sends per-frame traffic logs to stderr
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
	store.SetDebugOutput(os.Stderr)
}

// Sessions exposes the online-session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start binds the TCP listener and the optional HTTP and SSH listeners
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	logListenBacklog(listener.Addr().String())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(fmt.Sprintf(":%d", s.config.HTTPPort)); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if s.config.SSHPort > 0 {
		if err := s.startSSHServer(fmt.Sprintf(":%d", s.config.SSHPort)); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.wg.Add(1)
	go s.monitorListenOverflows()

	return nil
}

// Addr returns the bound TCP address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
}

// Stop closes the listeners and every live connection, waits for the
// connection workers to log their users out, and closes the store
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.shutdown)
		s.mu.Unlock()

		s.closeListeners()
		s.sessions.CloseAll()
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

// trackWorker adds a connection worker to the wait group unless Stop has
// begun. The caller must call s.wg.Done when it returns true.
func (s *Server) trackWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.trackWorker() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, TransportTCP)
		}()
	}
}

// serveConn runs the read loop of one connection until it closes. A panic is
// contained to this connection.
func (s *Server) serveConn(conn net.Conn, transport string) {
	client := newClient(conn, transport,
		time.Duration(s.config.WriteTimeoutSeconds)*time.Second, s.config.MaxFrameSize)

	if !s.sessions.Track(client) {
		client.Conn.Close()
		return
	}
	s.metrics.RecordConnectionOpened(transport)
	debugLog.Printf("Connection %s: new %s connection from %s", client.ID, transport, client.Remote)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Connection %s: worker panic: %v\n%s", client.ID, r, debug.Stack())
		}
		s.disconnect(client)
		client.Conn.Close()
		s.sessions.Untrack(client)
		s.metrics.RecordConnectionClosed()
	}()

	idle := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	decoder := protocol.NewDecoder(conn, s.config.MaxFrameSize)

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}

		frame, err := decoder.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				debugLog.Printf("Connection %s: closed by peer", client.ID)
			case protocol.IsFramingError(err):
				log.Printf("Connection %s: %v", client.ID, err)
				client.Conn.WriteMessage(protocol.NewErrorEvent(protocol.ErrCodeFraming, err.Error()))
				s.metrics.RecordPush(protocol.TypeError)
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					log.Printf("Connection %s: idle for %v, closing", client.ID, idle)
				} else {
					debugLog.Printf("Connection %s: read error: %v", client.ID, err)
				}
			}
			return
		}

		debugLog.Printf("Connection %s ← RECV: Flags=0x%02X PayloadLen=%d", client.ID, frame.Flags, len(frame.Payload))

		if !s.handleFrame(client, frame) {
			return
		}
	}
}
