package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
	warning string
}

const (
	defaultTCPPort         = "8888"
	defaultHTTPPort        = "8889"
	defaultSSHPort         = "2222"
	parleySSHVersionPrefix = "SSH-2.0-Parley"

	dialTimeout = 10 * time.Second
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s/ws", scheme, address),
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}

		verifier := newHostKeyVerifier(knownHostPaths())
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func() (net.Conn, error) {
				return dialSSH(user, address, verifier)
			},
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", errors.New("missing host in server address")
		}
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	for _, env := range []string{"PARLEY_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

// hostKeyVerifier checks server keys against known_hosts. Unknown keys are
// accepted with a warning; a key that contradicts an existing entry is not.
type hostKeyVerifier struct {
	paths     []string
	callbacks []ssh.HostKeyCallback
	warning   string
}

func newHostKeyVerifier(paths []string) *hostKeyVerifier {
	v := &hostKeyVerifier{paths: paths}
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			v.callbacks = append(v.callbacks, cb)
		}
	}
	if len(v.callbacks) == 0 {
		v.warning = "SSH host key verification is disabled (known_hosts not found); connection is vulnerable to MITM attacks"
	}
	return v
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return nil
	}

	var lastErr error
	for _, cb := range v.callbacks {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			// Not listed anywhere
			return nil
		}
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts (%s) expects %s",
			hostname, ssh.FingerprintSHA256(key), strings.Join(v.paths, ", "), expected)
	}
	return lastErr
}

func dialSSH(user, address string, verifier *hostKeyVerifier) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	// The server accepts the "none" method, which x/crypto always tries first
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, parleySSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a Parley server (banner prefix %q)", banner, parleySSHVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// sshClientConn presents a session channel as a net.Conn. Deadlines are not
// supported by SSH channels and are ignored.
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
