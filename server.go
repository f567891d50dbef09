package msgnet

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// firstClientID is the ID handed to the first accepted connection.
const firstClientID uint32 = 10000

// Accept backoff bounds for transient listener errors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler receives server lifecycle events.
//
// OnClientConnect and OnClientValidated run on server goroutines and must not
// block. OnMessage and OnClientDisconnect run on the goroutine that calls
// Update, MessageClient or MessageAllClients.
type Handler[T TypeCode] interface {
	// OnClientConnect decides whether a freshly accepted connection is kept.
	// The connection has no ID yet.
	OnClientConnect(conn *Conn[T]) bool
	// OnClientDisconnect is called once when a closed connection is reclaimed.
	OnClientDisconnect(conn *Conn[T])
	// OnMessage is called by Update for every dispatched message.
	OnMessage(conn *Conn[T], msg *Message[T])
	// OnClientValidated is called once the connection passed the handshake,
	// before its first message is read.
	OnClientValidated(conn *Conn[T])
}

// BaseHandler provides no-op hooks for embedding. Its OnClientConnect
// refuses every connection.
type BaseHandler[T TypeCode] struct{}

func (BaseHandler[T]) OnClientConnect(*Conn[T]) bool   { return false }
func (BaseHandler[T]) OnClientDisconnect(*Conn[T])     {}
func (BaseHandler[T]) OnMessage(*Conn[T], *Message[T]) {}
func (BaseHandler[T]) OnClientValidated(*Conn[T])      {}

// Server accepts connections on a TCP port, validates them and collects their
// messages in one inbound queue drained by Update.
type Server[T TypeCode] struct {
	port    int
	handler Handler[T]
	opts    options
	logger  Logger
	inbound *Queue[OwnedMessage[T]]

	mu       sync.Mutex
	listener *net.TCPListener
	started  bool
	stopped  bool
	nextID   uint32
	conns    []*Conn[T]

	cancel context.CancelFunc
	group  errgroup.Group
	connWG sync.WaitGroup
}

// NewServer creates a server for port. Nothing is bound until Start.
func NewServer[T TypeCode](port int, handler Handler[T], opts ...Option) (*Server[T], error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Server[T]{
		port:    port,
		handler: handler,
		opts:    o,
		logger:  withFields(o.logger, "role", RoleServer.String()),
		inbound: NewQueue[OwnedMessage[T]](),
		nextID:  firstClientID,
	}, nil
}

// Start binds the listening socket and starts accepting connections in the
// background. A bind failure is returned as a *ListenError.
func (s *Server[T]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	addr := net.JoinHostPort(s.opts.listenHost, strconv.Itoa(s.port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		s.logger.Error("server exception", "addr", addr, "error", err)
		return &ListenError{Addr: addr, Err: err}
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.logger.Error("server exception", "addr", addr, "error", err)
		return &ListenError{Addr: addr, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.started = true

	s.group.Go(func() error {
		return s.acceptLoop(ctx)
	})

	s.logger.Info("server started", "addr", listener.Addr())
	return nil
}

// Stop closes the listener and every connection, then waits for all server
// goroutines to exit. Messages already in the inbound queue stay there.
// Safe to call multiple times.
func (s *Server[T]) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	_ = s.listener.Close()
	conns := slices.Clone(s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	_ = s.group.Wait()
	s.connWG.Wait()

	s.logger.Info("server stopped")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns a snapshot of the tracked connections in acceptance order.
// Closed connections remain until a send reclaims them.
func (s *Server[T]) Connections() []*Conn[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.conns)
}

// ConnectionCount returns the number of tracked connections.
func (s *Server[T]) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Incoming returns the queue every server connection pushes to.
func (s *Server[T]) Incoming() *Queue[OwnedMessage[T]] {
	return s.inbound
}

func (s *Server[T]) acceptLoop(ctx context.Context) error {
	var delay time.Duration

	for {
		raw, err := s.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.logger.Warn("accept error", "error", err, "retry_in", delay)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		_ = raw.SetNoDelay(true)
		s.opts.metrics.connAccepted()
		s.logger.Info("new connection", "addr", raw.RemoteAddr())

		s.admit(ctx, raw)
	}
}

// admit asks the handler about raw and, if approved, registers the
// connection and starts its handshake.
func (s *Server[T]) admit(ctx context.Context, raw *net.TCPConn) {
	conn := newConn[T](RoleServer, raw, s.inbound, s.opts)

	if !s.handler.OnClientConnect(conn) {
		s.opts.metrics.connDenied()
		s.logger.Info("connection denied", "addr", raw.RemoteAddr())
		_ = conn.Close()
		conn.finish()
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		conn.finish()
		return
	}
	conn.id = s.nextID
	s.nextID++
	s.conns = append(s.conns, conn)
	active := len(s.conns)
	s.connWG.Add(1)
	s.mu.Unlock()

	s.opts.metrics.setActive(active)
	s.logger.Info("connection approved", "id", conn.id, "addr", raw.RemoteAddr())

	go func() {
		defer s.connWG.Done()
		conn.run(ctx, s.handler.OnClientValidated)
	}()
}

// Update dispatches up to maxMessages queued messages to OnMessage, in arrival
// order, on the calling goroutine. maxMessages <= 0 means no limit. With wait
// set, Update first blocks until at least one message is queued.
// Returns the number of messages dispatched.
func (s *Server[T]) Update(maxMessages int, wait bool) int {
	if wait {
		s.inbound.Wait()
	}
	return s.dispatch(maxMessages)
}

// UpdateContext is Update with a cancelable wait.
func (s *Server[T]) UpdateContext(ctx context.Context, maxMessages int) (int, error) {
	if err := s.inbound.WaitContext(ctx); err != nil {
		return 0, err
	}
	return s.dispatch(maxMessages), nil
}

func (s *Server[T]) dispatch(maxMessages int) int {
	n := 0
	for maxMessages <= 0 || n < maxMessages {
		owned, err := s.inbound.PopFront()
		if err != nil {
			break
		}
		s.handler.OnMessage(owned.Remote, &owned.Msg)
		n++
	}
	return n
}

// MessageClient sends msg to conn. If conn is closed it is removed from the
// server and reported through OnClientDisconnect instead.
func (s *Server[T]) MessageClient(conn *Conn[T], msg Message[T]) {
	if conn == nil {
		return
	}

	if err := conn.Send(msg); err == nil {
		return
	}
	s.reclaim(conn)
}

// MessageAllClients sends msg to every open connection except except, which
// may be nil. Closed connections are removed after the pass and reported
// through OnClientDisconnect.
func (s *Server[T]) MessageAllClients(msg Message[T], except *Conn[T]) {
	var closed []*Conn[T]

	for _, c := range s.Connections() {
		if !c.IsConnected() {
			closed = append(closed, c)
			continue
		}
		if c == except {
			continue
		}
		if err := c.Send(msg); err != nil {
			closed = append(closed, c)
		}
	}

	if len(closed) > 0 {
		s.reclaim(closed...)
	}
}

// reclaim removes conns from the collection and calls OnClientDisconnect for
// each one that was still tracked, so a connection is reported only once.
func (s *Server[T]) reclaim(conns ...*Conn[T]) {
	s.mu.Lock()
	removed := make([]*Conn[T], 0, len(conns))
	for _, c := range conns {
		if i := slices.Index(s.conns, c); i >= 0 {
			s.conns = slices.Delete(s.conns, i, i+1)
			removed = append(removed, c)
		}
	}
	active := len(s.conns)
	s.mu.Unlock()

	s.opts.metrics.setActive(active)
	for _, c := range removed {
		s.logger.Info("client disconnected", "id", c.ID())
		s.handler.OnClientDisconnect(c)
	}
}
