// Package outbound implements the send pool: a fixed set of outbound
// connection slots, each driven by an explicit state machine
// (IDLE → CONNECTING → CONNECTED → SENDING → CLOSING → IDLE), plus the
// bounded backpressure queue behind it.
//
// Slot I/O runs in short-lived goroutines that post completion events onto a
// bounded channel; Tick drains that channel, advances the state machines,
// supervises timeouts, and opportunistically drains the queue. Completions
// carry a per-slot sequence number so that a completion arriving after the
// slot was force-reset is recognised as stale and discarded.
package outbound

import (
	"log"
	"sync"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/protocol"
	"github.com/matthewdeaves/csend-sub003/internal/transport"
)

// State is the lifecycle position of one pool slot.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSending
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Defaults mirror the reference timeouts: small pool, 10 s supervision.
const (
	DefaultSize           = 4
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendTimeout    = 10 * time.Second
)

// Config configures a Pool.
type Config struct {
	Size           int           // slot count N; DefaultSize when 0
	ConnectTimeout time.Duration // supervision bound for CONNECTING
	SendTimeout    time.Duration // supervision bound for SENDING
	Dialer         transport.Dialer
}

type eventKind int

const (
	evConnectDone eventKind = iota
	evSendDone
)

// event is a transport completion, queued for the next Tick.
type event struct {
	slot int
	seq  uint64
	kind eventKind
	conn transport.Conn
	err  error
}

type slot struct {
	state        State
	seq          uint64
	req          Request
	conn         transport.Conn
	connectStart time.Time
	sendStart    time.Time
}

// Pool is the fixed-size send pool plus its queue.
type Pool struct {
	cfg    Config
	events chan event

	mu    sync.Mutex
	slots []slot
	queue Queue
}

// New creates a Pool. cfg.Dialer is required.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Pool{
		cfg:    cfg,
		events: make(chan event, cfg.Size*8),
		slots:  make([]slot, cfg.Size),
	}
}

// Submit is the public send entry point: allocate a slot and start sending
// immediately, or queue the request, or fail with ErrQueueFull. There is no
// fourth outcome.
func (p *Pool) Submit(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.allocate(); ok {
		p.startSend(idx, req)
		return nil
	}
	return p.queue.Enqueue(req)
}

// Tick advances every slot: drains queued completions, supervises
// CONNECTING/SENDING timeouts, completes CLOSING, and drains at most one
// queued request into a freed slot.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Completion events first, so slots freed this tick can pick up work.
drain:
	for {
		select {
		case e := <-p.events:
			p.handleEvent(e)
		default:
			break drain
		}
	}

	for i := range p.slots {
		s := &p.slots[i]
		switch s.state {
		case StateConnecting:
			if now.Sub(s.connectStart) > p.cfg.ConnectTimeout {
				log.Printf("outbound: slot %d connect to %s timed out", i, s.req.Addr)
				p.abortSlot(i)
			}
		case StateSending:
			if now.Sub(s.sendStart) > p.cfg.SendTimeout {
				log.Printf("outbound: slot %d send to %s timed out", i, s.req.Addr)
				p.abortSlot(i)
			}
		case StateClosing:
			// Graceful close was handed to the transport last tick; the
			// slot is reusable now.
			p.resetSlot(i)
		}
	}

	// One queue drain per tick keeps per-tick cost bounded.
	if idx, ok := p.allocate(); ok {
		if req, ok := p.queue.Dequeue(); ok {
			p.startSend(idx, req)
		}
	}
}

// Status reports the coarse pool state: true when every slot is idle.
func (p *Pool) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].state != StateIdle {
			return false
		}
	}
	return true
}

// State returns the state of slot i, for status reporting and tests.
func (p *Pool) State(i int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[i].state
}

// QueueLen returns the number of queued requests.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Size returns the slot count.
func (p *Pool) Size() int { return len(p.slots) }

// Shutdown aborts every in-flight connection and empties the queue.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].state != StateIdle {
			p.abortSlot(i)
		}
	}
	for {
		if _, ok := p.queue.Dequeue(); !ok {
			break
		}
	}
}

// allocate returns the first idle slot. O(N) scan; N is single digits.
func (p *Pool) allocate() (int, bool) {
	for i := range p.slots {
		if p.slots[i].state == StateIdle {
			return i, true
		}
	}
	return 0, false
}

// startSend begins the slot state machine. Caller holds p.mu; the slot must
// be idle.
func (p *Pool) startSend(idx int, req Request) {
	s := &p.slots[idx]
	s.seq++
	s.state = StateConnecting
	s.req = req
	s.conn = nil
	s.connectStart = time.Now()

	seq := s.seq
	go func() {
		conn, err := p.cfg.Dialer.Dial(req.Addr, p.cfg.ConnectTimeout)
		p.post(event{slot: idx, seq: seq, kind: evConnectDone, conn: conn, err: err})
	}()
}

func (p *Pool) handleEvent(e event) {
	s := &p.slots[e.slot]
	if e.seq != s.seq {
		// Slot was reset (timeout or shutdown) while this operation was in
		// flight. Release the orphaned connection.
		if e.conn != nil {
			e.conn.Abort()
		}
		return
	}

	switch e.kind {
	case evConnectDone:
		if s.state != StateConnecting {
			if e.conn != nil {
				e.conn.Abort()
			}
			return
		}
		if e.err != nil {
			log.Printf("outbound: slot %d connect to %s: %v", e.slot, s.req.Addr, e.err)
			p.resetSlot(e.slot)
			return
		}
		s.state = StateConnected
		s.conn = e.conn
		p.startWrite(e.slot)

	case evSendDone:
		if s.state != StateSending {
			return
		}
		if e.err != nil {
			log.Printf("outbound: slot %d send to %s: %v", e.slot, s.req.Addr, e.err)
			p.abortSlot(e.slot)
			return
		}
		if s.req.Type == protocol.TypeQuit {
			// The peer is being told we are terminating; graceful close is
			// pointless latency.
			p.abortSlot(e.slot)
			return
		}
		conn := s.conn
		s.conn = nil
		s.state = StateClosing
		go conn.Close() //nolint:errcheck
	}
}

// startWrite issues the asynchronous send. Caller holds p.mu; slot is
// CONNECTED with a live conn.
func (p *Pool) startWrite(idx int) {
	s := &p.slots[idx]
	s.state = StateSending
	s.sendStart = time.Now()

	seq := s.seq
	conn := s.conn
	payload := s.req.Payload
	go func() {
		_, err := conn.Write(payload)
		p.post(event{slot: idx, seq: seq, kind: evSendDone, err: err})
	}()
}

// abortSlot force-releases the slot's transport resources and returns it to
// idle, synchronously, so it is immediately reusable.
func (p *Pool) abortSlot(idx int) {
	s := &p.slots[idx]
	if s.conn != nil {
		s.conn.Abort()
	}
	p.resetSlot(idx)
}

func (p *Pool) resetSlot(idx int) {
	s := &p.slots[idx]
	s.seq++
	s.state = StateIdle
	s.req = Request{}
	s.conn = nil
}

// post queues a completion for the next Tick. The channel is sized so this
// never blocks in practice; if it is somehow full the completion is dropped
// and the affected slot recovers via timeout supervision.
func (p *Pool) post(e event) {
	select {
	case p.events <- e:
	default:
		if e.conn != nil {
			e.conn.Abort()
		}
		log.Printf("outbound: completion queue full, dropping event for slot %d", e.slot)
	}
}
