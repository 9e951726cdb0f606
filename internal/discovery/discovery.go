// Package discovery implements LAN peer discovery over UDP: a periodic
// presence broadcast plus a listener that answers DISCOVERY datagrams with
// a unicast DISCOVERY_RESPONSE and reports every sighting upward.
//
// Discovery is best-effort by design. A failed send is logged and forgotten;
// the next interval tick announces again. Malformed datagrams are discarded
// without side effects, and self-originated broadcasts are ignored.
package discovery

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/matthewdeaves/csend-sub003/internal/protocol"
)

const (
	// DefaultPort is the UDP discovery port.
	DefaultPort = 8081

	// DefaultInterval is the presence broadcast period.
	DefaultInterval = 10 * time.Second

	readPoll = 500 * time.Millisecond
)

// PeerFunc is called for every peer sighting: a DISCOVERY or
// DISCOVERY_RESPONSE decoded from a non-self address.
type PeerFunc func(addr, username string)

// Config configures the Service.
type Config struct {
	Username string // announced in every datagram
	SelfAddr string // own IP; datagrams from it are ignored
	Port     int    // UDP port; DefaultPort when 0
	Interval time.Duration
	// MulticastGroup switches announcements from subnet broadcast to the
	// given "group:port" multicast address, for networks that filter
	// broadcast traffic.
	MulticastGroup string
	// NextID supplies sender-local message ids.
	NextID func() uint32
}

// Service is the discovery broadcaster/listener pair.
type Service struct {
	cfg    Config
	conn   net.PacketConn
	dst    *net.UDPAddr
	onPeer PeerFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the discovery socket and builds the service. A socket failure
// here is fatal to startup.
func New(cfg Config, onPeer PeerFunc) (*Service, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	conn, err := listenBroadcast(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port}
	if cfg.MulticastGroup != "" {
		group, err := net.ResolveUDPAddr("udp4", cfg.MulticastGroup)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: multicast group: %w", err)
		}
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: join %s: %w", group.IP, err)
		}
		p.SetMulticastLoopback(false) //nolint:errcheck
		p.SetMulticastTTL(1)          //nolint:errcheck
		dst = group
	}

	return newWithConn(cfg, conn, dst, onPeer), nil
}

// newWithConn wires a service over an existing socket; tests use it to run
// discovery over loopback.
func newWithConn(cfg Config, conn net.PacketConn, dst *net.UDPAddr, onPeer PeerFunc) *Service {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NextID == nil {
		cfg.NextID = func() uint32 { return 0 }
	}
	return &Service{
		cfg:    cfg,
		conn:   conn,
		dst:    dst,
		onPeer: onPeer,
		stopCh: make(chan struct{}),
	}
}

// Start launches the broadcast and receive loops.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.broadcastLoop()
	go s.receiveLoop()
}

// Stop shuts both loops down and closes the socket.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.conn.Close() //nolint:errcheck
	})
	s.wg.Wait()
}

// Announce sends one presence datagram immediately.
func (s *Service) Announce() {
	s.send(protocol.TypeDiscovery, s.dst)
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	// Announce right away; waiting a full interval before the first
	// broadcast makes startup look dead.
	s.Announce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Announce()
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, protocol.BufferSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if d, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now().Add(readPoll)) //nolint:errcheck
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
			default:
				log.Printf("discovery: read: %v", err)
			}
			return
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(data []byte, addr net.Addr) {
	sender, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	senderIP := sender.IP.String()
	if senderIP == s.cfg.SelfAddr {
		return // our own broadcast reflected back
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return // not ours; discard silently
	}

	switch msg.Type {
	case protocol.TypeDiscovery:
		s.send(protocol.TypeDiscoveryResponse, sender)
		s.onPeer(senderIP, msg.Username)
	case protocol.TypeDiscoveryResponse:
		s.onPeer(senderIP, msg.Username)
	default:
		// TEXT and QUIT travel over TCP; anything else here is noise.
	}
}

func (s *Service) send(msgType string, to *net.UDPAddr) {
	m := protocol.Message{
		Type:     msgType,
		ID:       s.cfg.NextID(),
		Username: s.cfg.Username,
		Address:  s.cfg.SelfAddr,
	}
	wire, err := m.Encode()
	if err != nil {
		log.Printf("discovery: encode %s: %v", msgType, err)
		return
	}
	if _, err := s.conn.WriteTo(wire, to); err != nil {
		// No retry; the next interval tick will try again.
		log.Printf("discovery: send %s to %s: %v", msgType, to, err)
	}
}
