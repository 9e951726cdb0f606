// Package registry maintains the shared directory of known peers.
//
// The registry is a fixed arena of MaxPeers slots: insertion claims the
// first inactive slot and fails closed when none is free. Slot order is
// stable, so SnapshotActive gives a deterministic numbering for UI use
// (peer "1", "2", ...). All operations serialise behind one mutex, which is
// never held across a network call.
package registry

import (
	"errors"
	"sync"
	"time"
)

// MaxPeers is the registry capacity. Fixed: the arena never grows.
const MaxPeers = 10

// ErrFull is returned by Upsert when every slot is claimed by an active
// peer. A hard capacity error, never silently dropped.
var ErrFull = errors.New("registry: peer table full")

// Result reports what Upsert did.
type Result int

const (
	Added Result = iota
	Updated
)

func (r Result) String() string {
	if r == Added {
		return "added"
	}
	return "updated"
}

// Peer is one tracked remote participant.
type Peer struct {
	Address  string
	Username string
	LastSeen time.Time
	Active   bool
}

// Registry is the fixed-capacity peer table.
type Registry struct {
	mu    sync.Mutex
	slots [MaxPeers]Peer
	now   func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{now: time.Now}
}

// NewWithClock creates a registry with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Registry {
	return &Registry{now: now}
}

// Upsert records a sighting of addr. An existing active entry is refreshed
// (username kept when the new one is empty); otherwise the first inactive
// slot is claimed. At most one entry per address ever exists.
func (r *Registry) Upsert(addr, username string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].Active && r.slots[i].Address == addr {
			r.slots[i].LastSeen = r.now()
			if username != "" {
				r.slots[i].Username = username
			}
			return Updated, nil
		}
	}

	for i := range r.slots {
		if !r.slots[i].Active {
			r.slots[i] = Peer{
				Address:  addr,
				Username: username,
				LastSeen: r.now(),
				Active:   true,
			}
			return Added, nil
		}
	}

	return 0, ErrFull
}

// MarkInactive clears the active flag for addr. Returns false when the
// address is unknown or already inactive.
func (r *Registry) MarkInactive(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].Active && r.slots[i].Address == addr {
			r.slots[i].Active = false
			return true
		}
	}
	return false
}

// Prune deactivates every active peer not seen within timeout of now and
// returns how many were pruned. A negative delta (clock adjustment or
// wraparound) counts as expired.
func (r *Registry) Prune(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for i := range r.slots {
		if !r.slots[i].Active {
			continue
		}
		d := now.Sub(r.slots[i].LastSeen)
		if d > timeout || d < 0 {
			r.slots[i].Active = false
			pruned++
		}
	}
	return pruned
}

// SnapshotActive returns a copy of every active peer in slot order.
func (r *Registry) SnapshotActive() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Peer
	for i := range r.slots {
		if r.slots[i].Active {
			out = append(out, r.slots[i])
		}
	}
	return out
}

// ActiveCount returns the number of active peers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].Active {
			n++
		}
	}
	return n
}
