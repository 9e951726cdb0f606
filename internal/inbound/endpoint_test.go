package inbound

import (
	"sync"
	"testing"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/protocol"
	"github.com/matthewdeaves/csend-sub003/internal/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) record(msg protocol.Message, _ string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := r.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(r.snapshot()))
	return nil
}

func newTestEndpoint(t *testing.T) (*Endpoint, *transport.Network, *recorder) {
	t.Helper()
	net := transport.NewNetwork()
	ln, err := net.Listen("self")
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	ep := New(ln, rec.record)
	ep.SetPollInterval(10 * time.Millisecond)
	ep.Start()
	t.Cleanup(ep.Stop)
	return ep, net, rec
}

func encode(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReceiveSingleMessage(t *testing.T) {
	_, net, rec := newTestEndpoint(t)

	conn, err := net.Dial("self", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := protocol.Message{Type: protocol.TypeText, ID: 1, Username: "alice", Address: "10.0.0.2", Content: "hi"}
	conn.Write(encode(t, want)) //nolint:errcheck
	conn.Close()

	msgs := rec.waitFor(t, 1)
	if msgs[0] != want {
		t.Fatalf("got %+v want %+v", msgs[0], want)
	}
}

func TestReceiveMultipleMessagesInOneBuffer(t *testing.T) {
	_, net, rec := newTestEndpoint(t)

	m1 := protocol.Message{Type: protocol.TypeText, ID: 1, Username: "a", Address: "10.0.0.2", Content: "one"}
	m2 := protocol.Message{Type: protocol.TypeText, ID: 2, Username: "a", Address: "10.0.0.2", Content: "two"}
	payload := append(encode(t, m1), encode(t, m2)...)

	conn, err := net.Dial("self", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write(payload) //nolint:errcheck
	conn.Close()

	msgs := rec.waitFor(t, 2)
	if msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Fatalf("split on magic boundary failed: %+v", msgs)
	}
}

func TestMalformedInputDiscardedWithoutCrash(t *testing.T) {
	_, net, rec := newTestEndpoint(t)

	conn, err := net.Dial("self", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("not a csend message at all")) //nolint:errcheck
	conn.Close()

	// The endpoint must survive and keep serving.
	conn2, err := net.Dial("self", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := protocol.Message{Type: protocol.TypeText, ID: 3, Username: "b", Address: "10.0.0.3", Content: "still alive"}
	conn2.Write(encode(t, want)) //nolint:errcheck
	conn2.Close()

	msgs := rec.waitFor(t, 1)
	if msgs[0] != want {
		t.Fatalf("endpoint wedged after malformed input: %+v", msgs)
	}
}

func TestImmediateRearmAfterConnectionEnds(t *testing.T) {
	// Several connections back to back: each must be accepted the instant
	// the previous one ends. No cooldown.
	_, net, rec := newTestEndpoint(t)

	for i := 0; i < 5; i++ {
		conn, err := net.Dial("self", time.Second)
		if err != nil {
			t.Fatalf("connection %d refused: %v", i, err)
		}
		m := protocol.Message{Type: protocol.TypeText, ID: uint32(i + 1), Username: "a", Address: "10.0.0.2", Content: "n"}
		conn.Write(encode(t, m)) //nolint:errcheck
		conn.Close()
		rec.waitFor(t, i+1)
	}
}

func TestStateCycle(t *testing.T) {
	ep, net, rec := newTestEndpoint(t)

	// Idle endpoints immediately re-arm, so the observable resting state
	// is LISTENING.
	waitState(t, ep, StateListening)

	conn, err := net.Dial("self", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, ep, StateConnectedIn)

	m := protocol.Message{Type: protocol.TypeText, ID: 1, Username: "a", Address: "10.0.0.2", Content: "x"}
	conn.Write(encode(t, m)) //nolint:errcheck
	conn.Close()
	rec.waitFor(t, 1)

	waitState(t, ep, StateListening)
}

func waitState(t *testing.T, ep *Endpoint, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ep.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("endpoint never reached %v (state %v)", want, ep.State())
}
