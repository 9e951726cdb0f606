// Package node wires the messaging core together: peer registry, send pool
// and queue, listen endpoint, discovery service, and the scheduling tick
// that advances them. All process-wide state lives in the Node; nothing in
// this module is a package-level variable.
//
// The surrounding application (terminal UI, CLI) talks to the Node through
// Send/Broadcast/Peers/Status and receives decoded traffic through the
// Callbacks it registers. The Node never renders anything itself.
package node

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/dedup"
	"github.com/matthewdeaves/csend-sub003/internal/discovery"
	"github.com/matthewdeaves/csend-sub003/internal/inbound"
	"github.com/matthewdeaves/csend-sub003/internal/outbound"
	"github.com/matthewdeaves/csend-sub003/internal/protocol"
	"github.com/matthewdeaves/csend-sub003/internal/registry"
	"github.com/matthewdeaves/csend-sub003/internal/transport"
)

// Defaults from the reference deployment.
const (
	DefaultTCPPort      = 8080
	DefaultUDPPort      = 8081
	DefaultPeerTimeout  = 30 * time.Second
	DefaultTickInterval = 100 * time.Millisecond
)

// Config configures a Node.
type Config struct {
	Username string
	SelfAddr string // own IP; auto-detected when empty
	TCPPort  int
	UDPPort  int
	PoolSize int

	DiscoveryInterval time.Duration
	MulticastGroup    string // non-empty switches discovery to multicast
	PeerTimeout       time.Duration
	TickInterval      time.Duration

	// NoDiscovery disables the UDP service entirely; peers must then be
	// addressed explicitly. Tests use this to run without sockets.
	NoDiscovery bool

	// Dialer and Listener override the TCP transport. Tests inject the
	// in-memory network here; production leaves them nil.
	Dialer   transport.Dialer
	Listener transport.Listener
}

// Callbacks are the hooks the presentation layer registers. Any of them
// may be nil.
type Callbacks struct {
	// OnText delivers a decoded TEXT payload.
	OnText func(username, addr, content string)
	// OnPeerAdded fires when a previously unseen peer claims a registry slot.
	OnPeerAdded func(addr, username string)
	// OnPeerUpdated fires when a sighting refreshes an existing peer.
	OnPeerUpdated func(addr, username string)
	// OnPeerInactive fires when a peer QUITs.
	OnPeerInactive func(addr string)
	// OnRegistryFull fires when a sighting was dropped because every
	// registry slot is claimed.
	OnRegistryFull func(addr string)
}

// Status is a coarse snapshot for status reporting.
type Status struct {
	ActivePeers int
	PoolIdle    bool
	QueueLen    int
	Endpoint    inbound.State
}

// Node is the messaging core context object.
type Node struct {
	cfg Config
	cb  Callbacks

	reg      *registry.Registry
	pool     *outbound.Pool
	endpoint *inbound.Endpoint
	disc     *discovery.Service
	seen     *dedup.Cache
	msgID    atomic.Uint32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates cfg and builds a Node. Nothing touches the network until
// Start.
func New(cfg Config, cb Callbacks) (*Node, error) {
	if cfg.Username == "" {
		cfg.Username = "anonymous"
	}
	if cfg.TCPPort == 0 {
		cfg.TCPPort = DefaultTCPPort
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = DefaultUDPPort
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SelfAddr == "" {
		ip, err := discovery.SelfIP()
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		cfg.SelfAddr = ip
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.TCPDialer{}
	}

	n := &Node{
		cfg:    cfg,
		cb:     cb,
		reg:    registry.New(),
		seen:   dedup.New(dedup.DefaultExpiry),
		stopCh: make(chan struct{}),
	}
	n.pool = outbound.New(outbound.Config{
		Size:   cfg.PoolSize,
		Dialer: dialer,
	})
	return n, nil
}

// Start opens the listen endpoint and discovery socket and launches the
// scheduling tick. Any failure here is fatal; the caller should abort.
func (n *Node) Start() error {
	ln := n.cfg.Listener
	if ln == nil {
		var err error
		ln, err = transport.ListenTCP(fmt.Sprintf(":%d", n.cfg.TCPPort))
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
	}
	n.endpoint = inbound.New(ln, n.handleInbound)
	n.endpoint.Start()

	if !n.cfg.NoDiscovery {
		svc, err := discovery.New(discovery.Config{
			Username:       n.cfg.Username,
			SelfAddr:       n.cfg.SelfAddr,
			Port:           n.cfg.UDPPort,
			Interval:       n.cfg.DiscoveryInterval,
			MulticastGroup: n.cfg.MulticastGroup,
			NextID:         n.nextID,
		}, n.recordSighting)
		if err != nil {
			n.endpoint.Stop()
			return fmt.Errorf("node: %w", err)
		}
		n.disc = svc
		n.disc.Start()
	}

	n.wg.Add(1)
	go n.tickLoop()

	log.Printf("node: started as %q on %s (tcp %d, udp %d)",
		n.cfg.Username, n.cfg.SelfAddr, n.cfg.TCPPort, n.cfg.UDPPort)
	return nil
}

// Stop shuts everything down: discovery, endpoint, tick loop, in-flight
// sends.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if n.disc != nil {
			n.disc.Stop()
		}
		if n.endpoint != nil {
			n.endpoint.Stop()
		}
		n.wg.Wait()
		n.pool.Shutdown()
	})
}

// Send submits a TEXT message to the peer at addr (bare IP or host). It
// either starts sending immediately, is queued, or fails with
// outbound.ErrQueueFull.
func (n *Node) Send(addr, content string) error {
	return n.submit(addr, protocol.TypeText, content)
}

// Broadcast submits a TEXT message to every active peer and returns how
// many submissions were accepted. Per-peer failures are logged, not fatal.
func (n *Node) Broadcast(content string) int {
	sent := 0
	for _, p := range n.reg.SnapshotActive() {
		if err := n.Send(p.Address, content); err != nil {
			log.Printf("node: broadcast to %s: %v", p.Address, err)
			continue
		}
		sent++
	}
	return sent
}

// SendQuit tells every active peer this node is terminating.
func (n *Node) SendQuit() {
	for _, p := range n.reg.SnapshotActive() {
		if err := n.submit(p.Address, protocol.TypeQuit, ""); err != nil {
			log.Printf("node: quit to %s: %v", p.Address, err)
		}
	}
}

// Quit announces departure to every active peer, gives the QUIT sends a
// short window to leave the pool, then stops the node.
func (n *Node) Quit() {
	n.SendQuit()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !n.pool.Idle() {
		time.Sleep(50 * time.Millisecond)
	}
	n.Stop()
}

// Peers returns the active peers in stable slot order; index+1 is the
// number shown to the user.
func (n *Node) Peers() []registry.Peer {
	return n.reg.SnapshotActive()
}

// Registry exposes the peer registry for direct upsert/prune/snapshot use
// by surrounding layers.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Status reports a coarse node snapshot.
func (n *Node) Status() Status {
	return Status{
		ActivePeers: n.reg.ActiveCount(),
		PoolIdle:    n.pool.Idle(),
		QueueLen:    n.pool.QueueLen(),
		Endpoint:    n.endpoint.State(),
	}
}

func (n *Node) submit(addr, msgType, content string) error {
	m := protocol.Message{
		Type:     msgType,
		ID:       n.nextID(),
		Username: n.cfg.Username,
		Address:  n.cfg.SelfAddr,
		Content:  content,
	}
	wire, err := m.Encode()
	if err != nil {
		return fmt.Errorf("node: encode: %w", err)
	}
	return n.pool.Submit(outbound.Request{
		Addr:    net.JoinHostPort(addr, strconv.Itoa(n.cfg.TCPPort)),
		Type:    msgType,
		Payload: wire,
	})
}

func (n *Node) nextID() uint32 { return n.msgID.Add(1) }

// tickLoop is the scheduling tick: it advances the send pool state
// machines (timeouts, completions, queue drain) and prunes timed-out
// peers.
func (n *Node) tickLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-ticker.C:
			n.pool.Tick(now)
			n.reg.Prune(now, n.cfg.PeerTimeout)
		}
	}
}

// handleInbound routes every message decoded by the listen endpoint. The
// sender address from the wire is the registry key, matching the discovery
// path.
func (n *Node) handleInbound(msg protocol.Message, remoteAddr string) {
	addr := msg.Address
	if addr == "" || addr == "unknown" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			addr = host
		} else {
			addr = remoteAddr
		}
	}

	switch msg.Type {
	case protocol.TypeText:
		if n.seen.Seen(addr, msg.ID) {
			log.Printf("node: duplicate message %d from %s suppressed", msg.ID, addr)
			return
		}
		n.recordSighting(addr, msg.Username)
		if n.cb.OnText != nil {
			n.cb.OnText(msg.Username, addr, msg.Content)
		}

	case protocol.TypeQuit:
		if n.reg.MarkInactive(addr) {
			log.Printf("node: peer %s quit", addr)
			if n.cb.OnPeerInactive != nil {
				n.cb.OnPeerInactive(addr)
			}
		}

	case protocol.TypeDiscovery, protocol.TypeDiscoveryResponse:
		// Discovery normally travels over UDP, but a sighting is a
		// sighting.
		n.recordSighting(addr, msg.Username)

	default:
		log.Printf("node: ignoring message type %q from %s", msg.Type, addr)
	}
}

// recordSighting upserts a peer and surfaces the outcome. Registry-full is
// a hard capacity error: reported, never swallowed.
func (n *Node) recordSighting(addr, username string) {
	res, err := n.reg.Upsert(addr, username)
	if err != nil {
		log.Printf("node: registry full, dropping sighting of %s", addr)
		if n.cb.OnRegistryFull != nil {
			n.cb.OnRegistryFull(addr)
		}
		return
	}
	if res == registry.Added {
		log.Printf("node: new peer %s@%s", username, addr)
		if n.cb.OnPeerAdded != nil {
			n.cb.OnPeerAdded(addr, username)
		}
		return
	}
	if n.cb.OnPeerUpdated != nil {
		n.cb.OnPeerUpdated(addr, username)
	}
}
