package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer serves the framed protocol over SSH session channels
func (s *Server) startSSHServer(addr string) error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Users authenticate with login frames, not SSH credentials
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.ServerVersion = "SSH-2.0-Parley"
	config.AddHostKey(hostKey)

	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.sshListener = listener
	s.mu.Unlock()

	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// SSHAddr returns the bound SSH address, or "" when SSH is disabled
func (s *Server) SSHAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sshListener == nil {
		return ""
	}
	return s.sshListener.Addr().String()
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
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
			log.Printf("SSH accept error: %v", err)
			continue
		}

		if !s.trackWorker() {
			conn.Close()
			return
		}
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and serves each session channel
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept SSH channel: %v", err)
			continue
		}

		if !s.trackWorker() {
			channel.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			go handleSSHChannelRequests(requests)
			s.serveConn(&sshChannelConn{channel: channel, conn: sshConn}, TransportSSH)
			// One chat session per SSH connection
			sshConn.Close()
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. Channels have no
// deadlines; closing the channel unblocks its reader.
type sshChannelConn struct {
	channel ssh.Channel
	conn    ssh.Conn
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *sshChannelConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
