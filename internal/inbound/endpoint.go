// Package inbound implements the single persistent listen endpoint: a
// terminal-cycle state machine IDLE → LISTENING → CONNECTED_IN → IDLE.
// Exactly one endpoint exists per process, because only one messaging port
// is opened. When a connection ends, the endpoint re-arms immediately, with
// no cooldown, so the next peer is never made to wait.
package inbound

import (
	"encoding/binary"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/protocol"
	"github.com/matthewdeaves/csend-sub003/internal/transport"
)

// State is the endpoint's position in its accept/receive cycle.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnectedIn
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnectedIn:
		return "connected-in"
	}
	return "unknown"
}

// DefaultPollInterval bounds how long a receive poll blocks, so peer close
// and shutdown are noticed promptly without busy-spinning.
const DefaultPollInterval = 100 * time.Millisecond

// MessageFunc receives every wire message decoded from an inbound
// connection. remoteAddr is the socket-level peer address ("ip:port").
type MessageFunc func(msg protocol.Message, remoteAddr string)

// Endpoint is the persistent inbound acceptor/receiver.
type Endpoint struct {
	ln       transport.Listener
	onMsg    MessageFunc
	poll     time.Duration
	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an Endpoint over an already-open listener. Opening the
// listener is the caller's job: a listen failure is a fatal setup error
// that must abort process startup, not something to retry here.
func New(ln transport.Listener, onMsg MessageFunc) *Endpoint {
	return &Endpoint{
		ln:     ln,
		onMsg:  onMsg,
		poll:   DefaultPollInterval,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetPollInterval overrides the receive poll bound. Call before Start.
func (e *Endpoint) SetPollInterval(d time.Duration) { e.poll = d }

// Start launches the accept/receive cycle.
func (e *Endpoint) Start() {
	go e.run()
}

// Stop shuts the endpoint down and closes the listener.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.ln.Close() //nolint:errcheck
	})
	<-e.done
}

// State reports the current cycle position.
func (e *Endpoint) State() State { return State(e.state.Load()) }

func (e *Endpoint) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stopCh:
			e.state.Store(int32(StateIdle))
			return
		default:
		}

		e.state.Store(int32(StateListening))
		conn, err := e.ln.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				e.state.Store(int32(StateIdle))
				return
			default:
			}
			log.Printf("inbound: accept: %v", err)
			e.state.Store(int32(StateIdle))
			continue
		}

		e.state.Store(int32(StateConnectedIn))
		e.serve(conn)
		// Connection over: back to idle and immediately re-arm.
		e.state.Store(int32(StateIdle))
	}
}

// serve polls the connection for data until the peer closes or errors.
// The first poll doubles as the immediate probe for data the peer sent
// before our accept completed; probe and poll share this one decode and
// dispatch path.
func (e *Endpoint) serve(conn transport.Conn) {
	defer conn.Abort()
	buf := make([]byte, protocol.BufferSize)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(e.poll)) //nolint:errcheck
		n, err := conn.Read(buf)
		if n > 0 {
			e.dispatch(buf[:n], conn.RemoteAddr())
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue // no data this poll cycle
			}
			// Peer close or hard error: release the connection and let the
			// cycle re-arm.
			return
		}
	}
}

// dispatch splits a receive buffer into wire messages on magic-number
// boundaries and delivers each one.
func (e *Endpoint) dispatch(data []byte, remoteAddr string) {
	for {
		next := nextMagic(data)
		if next <= 0 {
			e.deliver(data, remoteAddr)
			return
		}
		e.deliver(data[:next], remoteAddr)
		data = data[next:]
	}
}

// deliver decodes one message and hands it to the callback. Malformed
// input is logged and discarded; it never mutates anything downstream.
func (e *Endpoint) deliver(raw []byte, remoteAddr string) {
	raw = trimNul(raw)
	if len(raw) == 0 {
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("inbound: discarding malformed message from %s: %v", remoteAddr, err)
		return
	}
	e.onMsg(msg, remoteAddr)
}

// nextMagic returns the offset of the second magic number in data, or -1
// when data holds at most one message so far.
func nextMagic(data []byte) int {
	for i := 4; i+4 <= len(data); i++ {
		if binary.BigEndian.Uint32(data[i:]) == protocol.Magic {
			return i
		}
	}
	return -1
}

// trimNul drops the terminating NUL some senders include.
func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
