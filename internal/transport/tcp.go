package transport

import (
	"fmt"
	"net"
	"time"
)

// TCPDialer implements Dialer over real TCP.
type TCPDialer struct{}

func (TCPDialer) Dial(addr string, timeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &tcpConn{c: c.(*net.TCPConn)}, nil
}

// ListenTCP opens the persistent inbound listener. Failure here is a fatal
// setup error for the process.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpConn{c: c.(*net.TCPConn)}, nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }
func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

type tcpConn struct {
	c *net.TCPConn
}

func (t *tcpConn) Read(p []byte) (int, error)        { return t.c.Read(p) }
func (t *tcpConn) Write(p []byte) (int, error)       { return t.c.Write(p) }
func (t *tcpConn) SetReadDeadline(d time.Time) error { return t.c.SetReadDeadline(d) }
func (t *tcpConn) Close() error                      { return t.c.Close() }
func (t *tcpConn) RemoteAddr() string                { return t.c.RemoteAddr().String() }

// Abort sends an RST instead of a FIN exchange. Used after QUIT sends and
// for error teardown, where graceful close is pointless latency.
func (t *tcpConn) Abort() {
	t.c.SetLinger(0) //nolint:errcheck
	t.c.Close()      //nolint:errcheck
}
