package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultTCPPort            = "6465"
	defaultSSHPort            = "6466"
	defaultHTTPPort           = "8080"
	relaychatSSHVersionPrefix = "SSH-2.0-relaychat"

	dialTimeout = 5 * time.Second
)

// DialOptions tune how Dial reaches the server.
type DialOptions struct {
	// InsecureIgnoreHostKey skips known_hosts verification for ssh:// and
	// TLS verification for wss:// addresses.
	InsecureIgnoreHostKey bool
	// KnownHostsPath overrides ~/.ssh/known_hosts (or $SSH_KNOWN_HOSTS).
	KnownHostsPath string
}

type dialConfig struct {
	display  string // Address with scheme
	connType string // tcp, ssh or websocket
	dial     func() (net.Conn, error)
}

// parseServerAddress understands host[:port], tcp://, ssh://[user@] and
// ws:// or wss:// addresses. Missing ports fall back to the server defaults.
func parseServerAddress(raw string, opts DialOptions) (*dialConfig, error) {
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
			display:  address,
			connType: "tcp",
			dial: func() (net.Conn, error) {
				conn, err := net.DialTimeout("tcp", address, dialTimeout)
				if err != nil {
					return nil, err
				}
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					tcpConn.SetNoDelay(true)
				}
				return conn, nil
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
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  fmt.Sprintf("ssh://%s@%s", user, address),
			connType: "ssh",
			dial: func() (net.Conn, error) {
				callback, err := hostKeyCallback(opts)
				if err != nil {
					return nil, err
				}
				return dialSSH(user, address, callback)
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
			display:  fmt.Sprintf("%s://%s", scheme, address),
			connType: "websocket",
			dial: func() (net.Conn, error) {
				var tlsConfig *tls.Config
				if useTLS && opts.InsecureIgnoreHostKey {
					tlsConfig = &tls.Config{InsecureSkipVerify: true}
				}
				return DialWebSocket(address, useTLS, tlsConfig)
			},
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
	if user := os.Getenv("RELAYCHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anonymous"
}

// hostKeyCallback verifies the server against known_hosts. Without a
// known_hosts file there is nothing to verify against, so the caller has to
// opt out explicitly.
func hostKeyCallback(opts DialOptions) (ssh.HostKeyCallback, error) {
	if opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := opts.KnownHostsPath
	if path == "" {
		path = os.Getenv("SSH_KNOWN_HOSTS")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh host key verification needs %s (add the server with ssh-keyscan, or pass -insecure): %w", path, err)
	}
	return callback, nil
}

func dialSSH(user, address string, callback ssh.HostKeyCallback) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	// The server does not authenticate at the SSH layer; users log in with
	// the login request once the channel is open.
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: callback,
		Timeout:         dialTimeout,
	}

	// Bound the handshake
	if err := netConn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return nil, fmt.Errorf("ssh host key for %s does not match known_hosts, refusing to connect: %w", address, err)
		}
		return nil, err
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, relaychatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q, expected a relaychat server (banner prefix %q)", serverBanner, relaychatSSHVersionPrefix)
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
