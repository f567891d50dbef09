package msgnet

import (
	"context"
	"net"
	"strconv"
	"sync"
)

// Client owns at most one connection to a server. Received messages are
// pushed to Incoming with a nil Remote.
type Client[T TypeCode] struct {
	opts    options
	logger  Logger
	inbound *Queue[OwnedMessage[T]]

	mu   sync.Mutex
	conn *Conn[T]
}

// NewClient creates a disconnected client.
func NewClient[T TypeCode](opts ...Option) (*Client[T], error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Client[T]{
		opts:    o,
		logger:  withFields(o.logger, "role", RoleClient.String()),
		inbound: NewQueue[OwnedMessage[T]](),
	}, nil
}

// Connect dials host:port and starts the handshake in the background.
// It returns once the TCP connection is established; use IsConnected or
// Conn().Validated() to learn when the handshake completes.
func (c *Client[T]) Connect(host string, port int) error {
	return c.ConnectContext(context.Background(), host, port)
}

// ConnectContext is Connect with a cancelable dial. Resolution and dial
// failures are returned as a *ConnectError.
func (c *Client[T]) ConnectContext(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return ErrAlreadyConnected
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.opts.dialTimeout}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Error("client exception", "addr", addr, "error", err)
		return &ConnectError{Addr: addr, Err: err}
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	conn := newConn[T](RoleClient, raw, c.inbound, c.opts)
	c.conn = conn
	go conn.run(context.Background(), nil)

	c.logger.Info("connection established", "addr", raw.RemoteAddr())
	return nil
}

// Disconnect closes the connection and waits for its goroutines.
// Safe to call multiple times.
func (c *Client[T]) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	_ = conn.Close()
	<-conn.Done()
	c.logger.Info("disconnected", "addr", conn.RemoteAddr())
}

// IsConnected reports whether the connection passed the handshake and is
// still open.
func (c *Client[T]) IsConnected() bool {
	conn := c.Conn()
	return conn != nil && conn.State() == StateConnected
}

// Conn returns the current connection, or nil.
func (c *Client[T]) Conn() *Conn[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Send queues msg on the connection. Messages sent during the handshake are
// delivered once it succeeds.
func (c *Client[T]) Send(msg Message[T]) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(msg); err != nil {
		return ErrNotConnected
	}
	return nil
}

// Incoming returns the queue of received messages.
func (c *Client[T]) Incoming() *Queue[OwnedMessage[T]] {
	return c.inbound
}
