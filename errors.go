package msgnet

import "github.com/pkg/errors"

// Errors returned by servers, clients and connections.
var (
	// ErrListen matches every *ListenError.
	ErrListen = errors.New("listen failed")
	// ErrConnect matches every *ConnectError.
	ErrConnect = errors.New("connect failed")
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrNotConnected is returned by Client.Send before Connect or after Disconnect.
	ErrNotConnected = errors.New("client not connected")
	// ErrAlreadyConnected is returned by Client.Connect while a connection is open.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrServerStarted is returned by Server.Start on a server that was already started.
	ErrServerStarted = errors.New("server already started")
)

// ListenError reports that a server could not bind its listening address.
type ListenError struct {
	Addr string
	Err  error
}

func (e *ListenError) Error() string {
	return "listen " + e.Addr + ": " + e.Err.Error()
}

// Unwrap makes errors.Is match both ErrListen and the underlying cause.
func (e *ListenError) Unwrap() []error {
	return []error{ErrListen, e.Err}
}

// ConnectError reports that a client could not resolve or reach a server.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return "connect " + e.Addr + ": " + e.Err.Error()
}

// Unwrap makes errors.Is match both ErrConnect and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}
