package msgnet

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T, opts ...Option) options {
	t.Helper()

	o, err := newOptions(append([]Option{LoggerOption(discardLogger())}, opts...))
	if err != nil {
		t.Fatalf("newOptions failed: %v", err)
	}
	return o
}

// startConn wraps raw in a running Conn that is closed when the test ends.
func startConn(t *testing.T, role Role, raw net.Conn, inbound *Queue[OwnedMessage[testMsgType]], opts options) *Conn[testMsgType] {
	t.Helper()

	c := newConn[testMsgType](role, raw, inbound, opts)
	go c.run(context.Background(), nil)
	t.Cleanup(func() {
		_ = c.Close()
		<-c.Done()
	})
	return c
}

// answerChallenge plays the client side of the handshake on a raw socket.
func answerChallenge(t *testing.T, raw net.Conn, transform func(uint64) uint64) {
	t.Helper()

	challenge, err := readUint64(raw)
	if err != nil {
		t.Fatalf("read challenge failed: %v", err)
	}
	if err := writeUint64(raw, transform(challenge)); err != nil {
		t.Fatalf("write response failed: %v", err)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func popWithin(t *testing.T, q *Queue[OwnedMessage[testMsgType]]) OwnedMessage[testMsgType] {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.WaitContext(ctx); err != nil {
		t.Fatalf("timeout waiting for message: %v", err)
	}
	owned, err := q.PopFront()
	if err != nil {
		t.Fatalf("PopFront failed: %v", err)
	}
	return owned
}

func TestRole_String(t *testing.T) {
	if RoleServer.String() != "server" {
		t.Errorf("RoleServer = %s, want server", RoleServer)
	}
	if RoleClient.String() != "client" {
		t.Errorf("RoleClient = %s, want client", RoleClient)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUnvalidated: "unvalidated",
		StateValidating:  "validating",
		StateConnected:   "connected",
		StateClosed:      "closed",
		State(42):        "unknown",
	}

	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", int(s), s.String(), want)
		}
	}
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	inbound := NewQueue[OwnedMessage[testMsgType]]()
	c := newConn[testMsgType](RoleServer, serverConn, inbound, testOptions(t))

	if c.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if c.State() != StateUnvalidated {
		t.Errorf("State() = %v, want %v", c.State(), StateUnvalidated)
	}
	if !c.IsConnected() {
		t.Error("new connection should report an open socket")
	}
	if c.ID() != 0 {
		t.Errorf("ID() = %d, want 0", c.ID())
	}
	if c.RemoteAddr().String() != clientConn.LocalAddr().String() {
		t.Errorf("RemoteAddr() = %v, want %v", c.RemoteAddr(), clientConn.LocalAddr())
	}
	if c.limiter != nil {
		t.Error("limiter should be nil without RateLimitOption")
	}
}

func TestNewConn_UniqueSessions(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	inbound := NewQueue[OwnedMessage[testMsgType]]()
	opts := testOptions(t)
	a := newConn[testMsgType](RoleServer, serverConn, inbound, opts)
	b := newConn[testMsgType](RoleClient, clientConn, inbound, opts)

	if a.Session() == b.Session() {
		t.Error("sessions should differ")
	}
}

func TestConn_Handshake(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	clientIn := NewQueue[OwnedMessage[testMsgType]]()
	server := startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))
	client := startConn(t, RoleClient, clientRaw, clientIn, testOptions(t))

	waitClosed(t, server.Validated(), "server validation")
	waitClosed(t, client.Validated(), "client validation")

	if server.State() != StateConnected {
		t.Errorf("server State() = %v, want %v", server.State(), StateConnected)
	}
	if client.State() != StateConnected {
		t.Errorf("client State() = %v, want %v", client.State(), StateConnected)
	}
}

func TestConn_OnValidatedCalledOnce(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	calls := make(chan *Conn[testMsgType], 2)
	server := newConn[testMsgType](RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))
	go server.run(context.Background(), func(c *Conn[testMsgType]) {
		if c.State() != StateConnected {
			t.Errorf("State() in hook = %v, want %v", c.State(), StateConnected)
		}
		calls <- c
	})
	defer func() {
		_ = server.Close()
		<-server.Done()
	}()

	startConn(t, RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	select {
	case c := <-calls:
		if c != server {
			t.Error("hook received a different connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for validation hook")
	}

	select {
	case <-calls:
		t.Error("validation hook called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_SendReceive(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	clientIn := NewQueue[OwnedMessage[testMsgType]]()
	server := startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))
	client := startConn(t, RoleClient, clientRaw, clientIn, testOptions(t))

	ping := NewMessage(testPing)
	if err := ping.Push(uint64(1234)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := client.Send(ping); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := popWithin(t, serverIn)
	if got.Remote != server {
		t.Error("server-side message should carry its connection")
	}
	if got.Msg.Header.ID != testPing {
		t.Errorf("ID = %v, want %v", got.Msg.Header.ID, testPing)
	}
	var v uint64
	if err := got.Msg.Pop(&v); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if v != 1234 {
		t.Errorf("payload = %d, want 1234", v)
	}

	if err := server.Send(NewMessage(testAccept)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	reply := popWithin(t, clientIn)
	if reply.Remote != nil {
		t.Error("client-side message should have a nil Remote")
	}
	if reply.Msg.Header.ID != testAccept || reply.Msg.Size() != 0 {
		t.Errorf("reply = %v, want ID:%d Size:0", reply.Msg, testAccept)
	}
}

func TestConn_SendBeforeHandshake(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	client := newConn[testMsgType](RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	// Queued while unvalidated; must only hit the wire after the response.
	if err := client.Send(NewMessage(testMessageAll)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	go client.run(context.Background(), nil)
	defer func() {
		_ = client.Close()
		<-client.Done()
	}()

	startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))

	got := popWithin(t, serverIn)
	if got.Msg.Header.ID != testMessageAll {
		t.Errorf("ID = %v, want %v", got.Msg.Header.ID, testMessageAll)
	}
}

func TestConn_Ordering(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))
	client := startConn(t, RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	const n = 200
	for i := 0; i < n; i++ {
		msg := NewMessage(testServerMessage)
		_ = msg.Push(uint32(i))
		if err := client.Send(msg); err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got := popWithin(t, serverIn)
		var v uint32
		if err := got.Msg.Pop(&v); err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if v != uint32(i) {
			t.Fatalf("message %d carried %d", i, v)
		}
	}
}

func TestConn_SendClonesBody(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))
	client := newConn[testMsgType](RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	msg := NewMessage(testPing)
	_ = msg.Push(uint8(1))
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg.Body[0] = 2

	go client.run(context.Background(), nil)
	defer func() {
		_ = client.Close()
		<-client.Done()
	}()

	got := popWithin(t, serverIn)
	if got.Msg.Body[0] != 1 {
		t.Errorf("body[0] = %d, want 1", got.Msg.Body[0])
	}
}

func TestConn_BadResponse(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	server := startConn(t, RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t, MetricsOption(metrics)))

	answerChallenge(t, peer, withoutNibbleSwap)

	waitClosed(t, server.Done(), "connection close")

	if server.State() != StateClosed {
		t.Errorf("State() = %v, want %v", server.State(), StateClosed)
	}
	select {
	case <-server.Validated():
		t.Error("connection should never be validated")
	default:
	}
	if got := testutil.ToFloat64(metrics.handshakeFailures); got != 1 {
		t.Errorf("handshake failures = %v, want 1", got)
	}
}

func TestConn_ManualHandshake(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	server := startConn(t, RoleServer, serverRaw, serverIn, testOptions(t))

	answerChallenge(t, peer, Scramble)
	waitClosed(t, server.Validated(), "validation")

	msg := NewMessage(testPing)
	_ = msg.Push(int32(-7))
	if _, err := peer.Write(msg.Encode()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := popWithin(t, serverIn)
	var v int32
	if err := got.Msg.Pop(&v); err != nil || v != -7 {
		t.Errorf("Pop = %d, %v, want -7, nil", v, err)
	}
}

func TestConn_HandshakeTimeout(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	server := startConn(t, RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](),
		testOptions(t, HandshakeTimeoutOption(50*time.Millisecond)))

	// The peer never answers.
	waitClosed(t, server.Done(), "handshake timeout")

	if server.IsConnected() {
		t.Error("IsConnected() should be false after timeout")
	}
}

func TestConn_OversizeBody(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	server := startConn(t, RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](),
		testOptions(t, MessageMaxSize(4)))

	answerChallenge(t, peer, Scramble)
	waitClosed(t, server.Validated(), "validation")

	msg := NewMessage(testPing)
	_ = msg.Push([8]byte{})
	if _, err := peer.Write(msg.Encode()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitClosed(t, server.Done(), "close after oversize body")
}

func TestConn_RateLimitDrops(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	serverIn := NewQueue[OwnedMessage[testMsgType]]()
	server := startConn(t, RoleServer, serverRaw, serverIn,
		testOptions(t, MetricsOption(metrics), RateLimitOption(rate.Every(time.Hour), 1)))

	answerChallenge(t, peer, Scramble)
	waitClosed(t, server.Validated(), "validation")

	for i := 0; i < 3; i++ {
		if _, err := peer.Write(NewMessage(testPing).Encode()); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	dropped := metrics.messagesDropped.WithLabelValues("server")
	waitFor(t, func() bool { return testutil.ToFloat64(dropped) == 2 })

	if serverIn.Count() != 1 {
		t.Errorf("Count() = %d, want 1", serverIn.Count())
	}
	if !server.IsConnected() {
		t.Error("rate limiting should not close the connection")
	}
}

func TestConn_PeerClose(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	server := startConn(t, RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))
	client := startConn(t, RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	waitClosed(t, server.Validated(), "validation")

	_ = client.Close()
	waitClosed(t, server.Done(), "server side close")

	if err := server.Send(NewMessage(testPing)); err != ErrConnClosed {
		t.Errorf("Send after close = %v, want %v", err, ErrConnClosed)
	}
}

func TestConn_CloseDuringHandshake(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	defer peer.Close()

	server := startConn(t, RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	waitClosed(t, server.Done(), "close")

	// Second close should be a no-op
	if err := server.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestConn_ContextCanceled(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	server := newConn[testMsgType](RoleServer, serverRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))
	go server.run(ctx, nil)

	startConn(t, RoleClient, clientRaw, NewQueue[OwnedMessage[testMsgType]](), testOptions(t))
	waitClosed(t, server.Validated(), "validation")

	cancel()
	waitClosed(t, server.Done(), "close after cancel")

	if server.State() != StateClosed {
		t.Errorf("State() = %v, want %v", server.State(), StateClosed)
	}
}

func TestIsClosedErr(t *testing.T) {
	if !isClosedErr(io.EOF) {
		t.Error("io.EOF should be a closed error")
	}
	if !isClosedErr(net.ErrClosed) {
		t.Error("net.ErrClosed should be a closed error")
	}
	if isClosedErr(ErrMessageTooLarge) {
		t.Error("ErrMessageTooLarge should not be a closed error")
	}
}
