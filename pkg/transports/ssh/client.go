// Package ssh uploads and launches projup-host on a remote machine over SSH.
//
// Client implements the transport used by the remote session: the host binary
// is copied with SFTP, started as an exec request whose stdin and stdout carry
// the host protocol, and removed again when the session ends.
package ssh

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

var errNotConnected = errors.New("not connected")

// TransportError tags a failure with the transport step that produced it.
// Retryable marks network-level failures where a fresh attempt may succeed.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string { return "ssh " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Client owns a single SSH connection shared by every host it starts.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient validates config. The connection is made by Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &net.Dialer{Timeout: config.ConnectionTimeout}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
		dial:   d.DialContext,
	}, nil
}

// Connect dials and performs the SSH handshake. Calling it on a connected
// client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}

	cc, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	addr := c.config.Address()

	netConn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, Retryable: true}
	}

	// The handshake has no context parameter; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cc)
	if !stop() {
		if conn != nil {
			_ = conn.Close()
		}
		return &TransportError{Op: "connect", Err: ctx.Err(), Retryable: true}
	}
	if err != nil {
		_ = netConn.Close()
		return &TransportError{Op: "handshake", Err: err}
	}

	c.client = ssh.NewClient(conn, chans, reqs)
	c.logger.Info().Str("address", addr).Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	c.logger.Debug().Msg("SSH connection closed")
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

func (c *Client) conn(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: op, Err: errNotConnected}
	}
	return c.client, nil
}
