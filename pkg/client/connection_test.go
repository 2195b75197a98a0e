package client

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/parley/pkg/protocol"
	"github.com/aeolun/parley/pkg/server"
)

func init() {
	log.SetOutput(io.Discard)
}

func testServerConfig(t *testing.T) server.ServerConfig {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.SSHPort = 0
	cfg.DataDir = t.TempDir()
	cfg.SSHHostKeyPath = filepath.Join(cfg.DataDir, "ssh_host_key")
	cfg.BcryptCost = 4
	return cfg
}

func startServer(t *testing.T, cfg server.ServerConfig) *server.Server {
	t.Helper()

	srv, err := server.NewServer(cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func tcpAddr(srv *server.Server) string {
	return "127.0.0.1:" + portOf(srv.Addr().String())
}

func portOf(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return port
}

func connect(t *testing.T, addr string) *Connection {
	t.Helper()

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	t.Cleanup(conn.Close)
	return conn
}

func TestParseServerAddress(t *testing.T) {
	t.Setenv("PARLEY_SSH_USER", "tester")
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))

	tests := []struct {
		in      string
		display string
	}{
		{"localhost", "localhost:8888"},
		{"localhost:9000", "localhost:9000"},
		{"tcp://example.com", "example.com:8888"},
		{"  example.com:1234 ", "example.com:1234"},
		{"[::1]", "[::1]:8888"},
		{"ws://example.com", "ws://example.com:8889/ws"},
		{"wss://example.com:443", "wss://example.com:443/ws"},
		{"ssh://example.com", "ssh://tester@example.com:2222"},
		{"ssh://bob@example.com:2022", "ssh://bob@example.com:2022"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "http://example.com", "tcp://", ":8888"} {
		_, err := parseServerAddress(in)
		assert.Error(t, err, "address %q", in)
	}
}

func TestSSHWarningWithoutKnownHosts(t *testing.T) {
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "missing"))

	cfg, err := parseServerAddress("ssh://example.com")
	require.NoError(t, err)
	assert.Contains(t, cfg.warning, "known_hosts not found")
}

func TestRequestFlow(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	addr := tcpAddr(srv)

	alice := connect(t, addr)
	require.NoError(t, alice.Register("alice", "pw-alice", "Alice"))
	chats, err := alice.Login("alice", "pw-alice")
	require.NoError(t, err)
	assert.Empty(t, chats)

	bob := connect(t, addr)
	require.NoError(t, bob.Register("bob", "pw-bob", ""))
	_, err = bob.Login("bob", "pw-bob")
	require.NoError(t, err)

	online, err := alice.OnlineUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)

	chatID, err := alice.CreateChat("private", []string{"bob"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", chatID)

	require.NoError(t, alice.SendChatMessage(chatID, "hello bob"))

	msg, err := bob.Await(DefaultRequestTimeout, nil, protocol.TypeMessage)
	require.NoError(t, err)
	var push protocol.MessageEvent
	require.NoError(t, msg.Decode(&push))
	assert.Equal(t, "alice", push.Sender)
	assert.Equal(t, "hello bob", push.Content)

	history, err := bob.History(chatID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello bob", history[0].Content)

	list, err := bob.Chats()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"alice", "bob"}, list[0].Participants)

	rtt, err := alice.Ping()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	assert.NotZero(t, alice.BytesSent())
	assert.NotZero(t, alice.BytesReceived())
}

func TestRequestErrors(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	conn := connect(t, tcpAddr(srv))

	require.NoError(t, conn.Register("carol", "pw", ""))

	err := conn.Register("carol", "pw", "")
	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, protocol.ErrCodeAuth, respErr.Code)
	assert.Equal(t, protocol.TypeRegister, respErr.Request)

	_, err = conn.Login("carol", "wrong")
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, protocol.ErrCodeAuth, respErr.Code)

	_, err = conn.Login("carol", "pw")
	require.NoError(t, err)

	_, err = conn.History("missing_chat", 10)
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, protocol.ErrCodeNotFound, respErr.Code)
	assert.Equal(t, protocol.TypeGetChatHistory, respErr.Request)
}

func TestPushHandlerSeesPushesDuringRequests(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	addr := tcpAddr(srv)

	alice := connect(t, addr)
	require.NoError(t, alice.Register("alice", "pw", ""))
	_, err := alice.Login("alice", "pw")
	require.NoError(t, err)

	pushes := make(chan *Message, 10)
	alice.SetPushHandler(func(m *Message) { pushes <- m })

	bob := connect(t, addr)
	require.NoError(t, bob.Register("bob", "pw", ""))
	_, err = bob.Login("bob", "pw")
	require.NoError(t, err)

	// bob's login is pushed to alice before this reply
	_, err = alice.OnlineUsers()
	require.NoError(t, err)

	select {
	case m := <-pushes:
		assert.Equal(t, protocol.TypeUserStatus, m.Type)
		var ev protocol.UserStatusEvent
		require.NoError(t, m.Decode(&ev))
		assert.Equal(t, "bob", ev.Username)
		assert.Equal(t, "online", ev.Status)
	case <-time.After(DefaultRequestTimeout):
		t.Fatal("push handler was not called")
	}
}

func TestLogoutClosesConnection(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	conn := connect(t, tcpAddr(srv))

	require.NoError(t, conn.Register("dave", "pw", ""))
	_, err := conn.Login("dave", "pw")
	require.NoError(t, err)
	require.NoError(t, conn.Logout())

	_, err = conn.Await(DefaultRequestTimeout, nil, protocol.TypeResponse)
	require.Error(t, err)
	assert.Eventually(t, func() bool { return !conn.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	conn := connect(t, tcpAddr(srv))

	conn.Close()
	conn.Close()
	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Send(&protocol.PingRequest{Type: protocol.TypePing}), ErrClosed)
}

func TestWebSocketConnection(t *testing.T) {
	srv := startServer(t, testServerConfig(t))
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	conn := connect(t, "ws://"+strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, conn.Register("erin", "pw", ""))
	_, err := conn.Login("erin", "pw")
	require.NoError(t, err)

	online, err := conn.OnlineUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, online)
}

func TestSSHConnection(t *testing.T) {
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))

	cfg := testServerConfig(t)
	cfg.SSHPort = freePort(t)
	srv := startServer(t, cfg)

	conn := connect(t, "ssh://frank@127.0.0.1:"+portOf(srv.SSHAddr()))
	require.NoError(t, conn.Register("frank", "pw", ""))
	_, err := conn.Login("frank", "pw")
	require.NoError(t, err)

	rtt, err := conn.Ping()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestSSHRejectsForeignBanner(t *testing.T) {
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("SSH-2.0-OpenSSH_9.0\r\n"))
		time.Sleep(time.Second)
		c.Close()
	}()

	conn, err := NewConnection("ssh://" + ln.Addr().String())
	require.NoError(t, err)
	assert.Error(t, conn.Connect())
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
