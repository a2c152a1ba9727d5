package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrNotConnected   = errors.New("not connected to service")
	ErrConnectionLost = errors.New("connection to service lost")
	ErrUnauthorized   = errors.New("service rejected auth token")
	ErrRejected       = errors.New("service rejected message")
)

// Client is the agent-side connection to the service. Send is synchronous:
// each message waits for the service's acknowledgement, so callers get
// at-least-once delivery by retrying after reconnect.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	addr  string
	token string

	connected atomic.Bool

	connectTimeout time.Duration
	requestTimeout time.Duration
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	ServerAddr     string
	AuthToken      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddr:     "127.0.0.1:51234",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		addr:           cfg.ServerAddr,
		token:          cfg.AuthToken,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
	}
	if c.connectTimeout == 0 {
		c.connectTimeout = 5 * time.Second
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = 30 * time.Second
	}
	return c
}

// Connect establishes a connection to the service
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.addr, err)
	}

	c.conn = conn
	c.connected.Store(true)
	return nil
}

// Close closes the connection to the service
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send delivers one message and waits for the service's reply. On any
// transport error the connection is torn down; the caller reconnects and
// resends.
func (c *Client) Send(msgType MessageType, body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() || c.conn == nil {
		return ErrNotConnected
	}

	msg, err := NewEnvelopeMessage(msgType, c.token, body)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.requestTimeout)
	c.conn.SetWriteDeadline(deadline)
	if err := msg.Write(c.conn); err != nil {
		c.teardown()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	c.conn.SetReadDeadline(deadline)
	resp, err := ReadMessage(c.conn)
	if err != nil {
		c.teardown()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	switch resp.Header.Type {
	case MsgAck, MsgPong:
		return nil
	case MsgError:
		var respErr ErrorResponse
		if err := Decode(resp.Payload, &respErr); err != nil {
			c.teardown()
			return fmt.Errorf("%w: undecodable error response", ErrRejected)
		}
		if respErr.Code == ErrCodeUnauthorized {
			c.teardown()
			return ErrUnauthorized
		}
		return fmt.Errorf("%w: %s", ErrRejected, respErr.Message)
	default:
		c.teardown()
		return fmt.Errorf("unexpected response type %s", resp.Header.Type)
	}
}

// teardown closes the connection after a transport failure. Caller holds mu.
func (c *Client) teardown() {
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
