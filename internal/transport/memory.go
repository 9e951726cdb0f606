package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Network is an in-process transport for tests. Listeners register under
// string addresses; Dial wires the two sides together with a net.Pipe.
// Dials can be scripted to fail or hang to exercise error and timeout paths.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	dialErr   map[string]error
	dialHold  map[string]chan struct{}
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*memoryListener),
		dialErr:   make(map[string]error),
		dialHold:  make(map[string]chan struct{}),
	}
}

// Listen registers a listener under addr.
func (n *Network) Listen(addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("transport: address %s already in use", addr)
	}
	l := &memoryListener{
		net:    n,
		addr:   addr,
		accept: make(chan Conn, 4),
		closed: make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// FailDial makes every Dial to addr return err.
func (n *Network) FailDial(addr string, err error) {
	n.mu.Lock()
	n.dialErr[addr] = err
	n.mu.Unlock()
}

// HoldDial makes every Dial to addr hang until the returned release func is
// called or the dial's own timeout elapses.
func (n *Network) HoldDial(addr string) (release func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.dialHold[addr] = ch
	n.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Dial implements Dialer.
func (n *Network) Dial(addr string, timeout time.Duration) (Conn, error) {
	n.mu.Lock()
	err := n.dialErr[addr]
	hold := n.dialHold[addr]
	n.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hold != nil {
		select {
		case <-hold:
		case <-time.After(timeout):
			return nil, fmt.Errorf("transport: dial %s: timeout", addr)
		}
	}

	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: connection refused", addr)
	}

	client, server := net.Pipe()
	cc := &memoryConn{c: client, remote: addr}
	sc := &memoryConn{c: server, remote: "pipe-client"}
	select {
	case l.accept <- sc:
		return cc, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("transport: dial %s: connection refused", addr)
	}
}

type memoryListener struct {
	net       *Network
	addr      string
	accept    chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memoryListener) Addr() string { return l.addr }

type memoryConn struct {
	c      net.Conn
	remote string
}

func (m *memoryConn) Read(p []byte) (int, error)        { return m.c.Read(p) }
func (m *memoryConn) Write(p []byte) (int, error)       { return m.c.Write(p) }
func (m *memoryConn) SetReadDeadline(d time.Time) error { return m.c.SetReadDeadline(d) }
func (m *memoryConn) Close() error                      { return m.c.Close() }
func (m *memoryConn) Abort()                            { m.c.Close() } //nolint:errcheck
func (m *memoryConn) RemoteAddr() string                { return m.remote }
