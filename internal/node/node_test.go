package node

import (
	"sync"
	"testing"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/protocol"
	"github.com/matthewdeaves/csend-sub003/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	texts    []string
	added    []string
	inactive []string
}

func (r *recorder) onText(username, addr, content string) {
	r.mu.Lock()
	r.texts = append(r.texts, username+": "+content)
	r.mu.Unlock()
}

func (r *recorder) onAdded(addr, username string) {
	r.mu.Lock()
	r.added = append(r.added, addr)
	r.mu.Unlock()
}

func (r *recorder) onInactive(addr string) {
	r.mu.Lock()
	r.inactive = append(r.inactive, addr)
	r.mu.Unlock()
}

func (r *recorder) textCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func (r *recorder) waitText(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, got := range r.texts {
			if got == want {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("never received %q, got %v", want, r.texts)
}

func (r *recorder) waitInactive(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, got := range r.inactive {
			if got == addr {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s never went inactive", addr)
}

// newTestNode builds a started node on the shared in-memory network,
// listening at ip:8080 with discovery disabled.
func newTestNode(t *testing.T, fabric *transport.Network, username, ip string, rec *recorder) *Node {
	t.Helper()
	ln, err := fabric.Listen(ip + ":8080")
	if err != nil {
		t.Fatal(err)
	}
	n, err := New(Config{
		Username:     username,
		SelfAddr:     ip,
		TCPPort:      8080,
		TickInterval: 10 * time.Millisecond,
		NoDiscovery:  true,
		Dialer:       fabric,
		Listener:     ln,
	}, Callbacks{
		OnText:         rec.onText,
		OnPeerAdded:    rec.onAdded,
		OnPeerInactive: rec.onInactive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestTextDeliveryBetweenNodes(t *testing.T) {
	fabric := transport.NewNetwork()
	var recA, recB recorder
	a := newTestNode(t, fabric, "alice", "10.0.0.2", &recA)
	newTestNode(t, fabric, "bob", "10.0.0.3", &recB)

	if err := a.Send("10.0.0.3", "hello bob"); err != nil {
		t.Fatal(err)
	}
	recB.waitText(t, "alice: hello bob")
}

func TestTextRegistersSender(t *testing.T) {
	fabric := transport.NewNetwork()
	var recA, recB recorder
	a := newTestNode(t, fabric, "alice", "10.0.0.2", &recA)
	b := newTestNode(t, fabric, "bob", "10.0.0.3", &recB)

	if err := a.Send("10.0.0.3", "hi"); err != nil {
		t.Fatal(err)
	}
	recB.waitText(t, "alice: hi")

	peers := b.Peers()
	if len(peers) != 1 || peers[0].Address != "10.0.0.2" || peers[0].Username != "alice" {
		t.Fatalf("sender not registered: %+v", peers)
	}
}

func TestQuitMarksPeerInactive(t *testing.T) {
	fabric := transport.NewNetwork()
	var recA, recB recorder
	a := newTestNode(t, fabric, "alice", "10.0.0.2", &recA)
	b := newTestNode(t, fabric, "bob", "10.0.0.3", &recB)

	// Bob learns about alice through a message, then alice announces QUIT.
	if err := a.Send("10.0.0.3", "hi"); err != nil {
		t.Fatal(err)
	}
	recB.waitText(t, "alice: hi")

	if _, err := a.Registry().Upsert("10.0.0.3", "bob"); err != nil {
		t.Fatal(err)
	}
	a.SendQuit()
	recB.waitInactive(t, "10.0.0.2")

	if got := b.Registry().ActiveCount(); got != 0 {
		t.Fatalf("active count after quit = %d, want 0", got)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	fabric := transport.NewNetwork()
	var recB recorder
	newTestNode(t, fabric, "bob", "10.0.0.3", &recB)

	m := protocol.Message{
		Type:     protocol.TypeText,
		ID:       42,
		Username: "alice",
		Address:  "10.0.0.2",
		Content:  "once only",
	}
	wire, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	// The same transmission arrives twice, as a retrying peer would send it.
	for i := 0; i < 2; i++ {
		conn, err := fabric.Dial("10.0.0.3:8080", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(wire); err != nil {
			t.Fatal(err)
		}
		conn.Close()
		recB.waitText(t, "alice: once only")
	}

	time.Sleep(100 * time.Millisecond)
	if got := recB.textCount(); got != 1 {
		t.Fatalf("duplicate delivered: %d texts, want 1", got)
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	fabric := transport.NewNetwork()
	var recA, recB, recC recorder
	a := newTestNode(t, fabric, "alice", "10.0.0.2", &recA)
	newTestNode(t, fabric, "bob", "10.0.0.3", &recB)
	newTestNode(t, fabric, "carol", "10.0.0.4", &recC)

	if _, err := a.Registry().Upsert("10.0.0.3", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Registry().Upsert("10.0.0.4", "carol"); err != nil {
		t.Fatal(err)
	}

	if got := a.Broadcast("everyone"); got != 2 {
		t.Fatalf("broadcast accepted %d submissions, want 2", got)
	}
	recB.waitText(t, "alice: everyone")
	recC.waitText(t, "alice: everyone")
}

func TestStatusReflectsQuiescentNode(t *testing.T) {
	fabric := transport.NewNetwork()
	var rec recorder
	n := newTestNode(t, fabric, "alice", "10.0.0.2", &rec)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := n.Status()
		if st.ActivePeers == 0 && st.PoolIdle && st.QueueLen == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node never quiescent: %+v", n.Status())
}
