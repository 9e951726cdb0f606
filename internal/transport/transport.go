// Package transport abstracts the socket primitives the messaging core
// drives. The pool and listen endpoint use these interfaces exclusively so
// that tests can inject an in-memory transport without real network sockets;
// production uses the TCP implementation.
package transport

import "time"

// Conn is one established peer connection.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// SetReadDeadline bounds the next Read, enabling polled receives.
	SetReadDeadline(t time.Time) error

	// Close performs a graceful shutdown.
	Close() error

	// Abort tears the connection down immediately, releasing all transport
	// resources before returning. No FIN exchange.
	Abort()

	RemoteAddr() string
}

// Dialer opens outbound connections.
type Dialer interface {
	// Dial connects to addr ("host:port") within timeout.
	Dial(addr string, timeout time.Duration) (Conn, error)
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until the next inbound connection or listener close.
	Accept() (Conn, error)
	Close() error
	Addr() string
}
