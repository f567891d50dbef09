// Package msgnet provides an asynchronous messaging framework over TCP.
// It frames typed binary messages, validates every peer with a lightweight
// challenge/response handshake, and hands received messages to the
// application through a goroutine-safe queue.
package msgnet

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Role tells which side of the handshake a connection plays.
type Role int

const (
	// RoleServer connections are accepted by a Server and issue the challenge.
	RoleServer Role = iota
	// RoleClient connections are dialed by a Client and answer the challenge.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// State is the handshake state of a connection.
type State int32

const (
	StateUnvalidated State = iota
	StateValidating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateValidating:
		return "validating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one peer connection. It owns its socket and two goroutines: a
// reader that reassembles messages into the role's shared inbound queue, and
// a writer that drains the connection's private outbound queue.
//
// A Conn never reconnects. Any I/O error closes the socket and the owning
// role notices the next time it tries to send.
type Conn[T TypeCode] struct {
	role    Role
	rawConn net.Conn
	reader  *bufio.Reader
	id      uint32
	session uuid.UUID
	logger  Logger
	opts    options
	limiter *rate.Limiter

	outbound *Queue[Message[T]]
	inbound  *Queue[OwnedMessage[T]]
	wake     chan struct{}

	state     atomic.Int32
	validated chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newConn[T TypeCode](role Role, c net.Conn, inbound *Queue[OwnedMessage[T]], opts options) *Conn[T] {
	session := uuid.New()
	return &Conn[T]{
		role:      role,
		rawConn:   c,
		reader:    bufio.NewReader(c),
		session:   session,
		logger:    withFields(opts.logger, "role", role.String(), "session", session.String(), "addr", c.RemoteAddr()),
		opts:      opts,
		limiter:   opts.newLimiter(),
		outbound:  NewQueue[Message[T]](),
		inbound:   inbound,
		wake:      make(chan struct{}, 1),
		validated: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the server-assigned identifier. It is zero for client-side
// connections and inside OnClientConnect, before the server accepted it.
func (c *Conn[T]) ID() uint32 {
	return c.id
}

// Session returns a random identifier unique to this connection, useful to
// correlate logs across server restarts where IDs repeat.
func (c *Conn[T]) Session() uuid.UUID {
	return c.session
}

// Role returns the side of the handshake this connection plays.
func (c *Conn[T]) Role() Role {
	return c.role
}

// State returns the current handshake state.
func (c *Conn[T]) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the socket is still open. It is already true
// while the handshake is in progress; see State for validation.
func (c *Conn[T]) IsConnected() bool {
	return c.State() != StateClosed
}

// RemoteAddr returns the remote network address.
func (c *Conn[T]) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Validated is closed when the handshake succeeds. It is never closed for a
// connection that fails validation.
func (c *Conn[T]) Validated() <-chan struct{} {
	return c.validated
}

// Done is closed once the connection is closed and its goroutines have exited.
func (c *Conn[T]) Done() <-chan struct{} {
	return c.done
}

// Send queues msg for delivery and returns immediately. Messages are written
// in the order they were queued; those queued during the handshake go out
// once it completes. Send is safe for concurrent use.
func (c *Conn[T]) Send(msg Message[T]) error {
	if !c.IsConnected() {
		return ErrConnClosed
	}

	c.outbound.PushBack(msg.Clone())
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close closes the socket. Queued outbound messages are dropped.
// Safe to call multiple times.
func (c *Conn[T]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		err = c.rawConn.Close()
		c.outbound.Clear()
	})
	return err
}

// finish marks the connection as fully stopped.
func (c *Conn[T]) finish() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// advance moves to state s unless the connection was closed meanwhile.
func (c *Conn[T]) advance(s State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// run performs the handshake and then the read and write loops until the
// socket fails or ctx is canceled. onValidated, if set, is called once after
// a successful handshake and before the first message is read.
func (c *Conn[T]) run(ctx context.Context, onValidated func(*Conn[T])) {
	defer c.finish()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.handshake(); err != nil {
		c.opts.metrics.handshakeFailed()
		if errors.Is(err, ErrHandshakeFailed) {
			c.logger.Info("client disconnected: failed validation", "id", c.id)
		} else {
			c.logger.Debug("handshake aborted", "id", c.id, "error", err)
		}
		_ = c.Close()
		return
	}

	if !c.advance(StateConnected) {
		return
	}
	close(c.validated)
	c.opts.metrics.connValidated()
	c.logger.Info("connection validated", "id", c.id)

	if onValidated != nil {
		onValidated(c)
	}

	group, child := errgroup.WithContext(ctx)
	stopChild := context.AfterFunc(child, func() { _ = c.Close() })
	defer stopChild()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	_ = c.Close()

	if err != nil && !isClosedErr(err) {
		c.logger.Info("connection closed with error", "id", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id)
	}
}

// handshake runs the role's half of the challenge/response exchange.
func (c *Conn[T]) handshake() error {
	if c.opts.handshakeTimeout > 0 {
		_ = c.rawConn.SetDeadline(time.Now().Add(c.opts.handshakeTimeout))
		defer c.rawConn.SetDeadline(time.Time{})
	}

	switch c.role {
	case RoleServer:
		challenge := newChallenge()
		expected := Scramble(challenge)

		if err := writeUint64(c.rawConn, challenge); err != nil {
			return errors.Wrap(err, "write challenge")
		}
		if !c.advance(StateValidating) {
			return ErrConnClosed
		}

		response, err := readUint64(c.reader)
		if err != nil {
			return errors.Wrap(err, "read response")
		}
		if response != expected {
			return ErrHandshakeFailed
		}

	case RoleClient:
		challenge, err := readUint64(c.reader)
		if err != nil {
			return errors.Wrap(err, "read challenge")
		}
		if !c.advance(StateValidating) {
			return ErrConnClosed
		}

		if err := writeUint64(c.rawConn, Scramble(challenge)); err != nil {
			return errors.Wrap(err, "write response")
		}
	}

	return nil
}

// readLoop continuously reads framed messages and pushes them to the
// inbound queue. Returns on the first read error.
func (c *Conn[T]) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.opts.heartbeat > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		}

		msg, err := ReadMessage[T](c.reader, c.opts.maxReadLength)
		if err != nil {
			c.logger.Debug("read error", "id", c.id, "error", err)
			return err
		}
		c.opts.metrics.received(c.role, HeaderSize[T]()+len(msg.Body))

		if c.limiter != nil && !c.limiter.Allow() {
			c.opts.metrics.dropped(c.role)
			c.logger.Warn("rate limit exceeded, message dropped", "id", c.id, "type", uint64(msg.Header.ID))
			continue
		}

		owned := OwnedMessage[T]{Msg: msg}
		if c.role == RoleServer {
			owned.Remote = c
		}
		c.inbound.PushBack(owned)
	}
}

// writeLoop sends queued messages one at a time, header then body, and
// sleeps while the outbound queue is empty. Returns on the first write error.
func (c *Conn[T]) writeLoop(ctx context.Context) error {
	for {
		msg, err := c.outbound.Front()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		if err := c.write(msg); err != nil {
			c.logger.Debug("write error", "id", c.id, "error", err)
			return err
		}
		_, _ = c.outbound.PopFront()
	}
}

// write sends one message with a single vectored write.
func (c *Conn[T]) write(msg Message[T]) error {
	if c.opts.heartbeat > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	hdr := make([]byte, HeaderSize[T]())
	msg.header().put(hdr)

	bufs := net.Buffers{hdr}
	if len(msg.Body) > 0 {
		bufs = append(bufs, msg.Body)
	}

	n, err := bufs.WriteTo(c.rawConn)
	if err != nil {
		return errors.Wrap(err, "write message")
	}
	c.opts.metrics.sent(c.role, int(n))
	return nil
}

// isClosedErr reports errors that mean the peer or we closed the connection.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
