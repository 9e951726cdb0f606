package dedup

import (
	"testing"
	"time"
)

func TestSeenSuppressesDuplicates(t *testing.T) {
	c := New(10 * time.Second)

	if c.Seen("10.0.0.2", 7) {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !c.Seen("10.0.0.2", 7) {
		t.Fatal("second sighting must be a duplicate")
	}
}

func TestDifferentSendersIndependent(t *testing.T) {
	c := New(10 * time.Second)
	c.Seen("10.0.0.2", 7)

	if c.Seen("10.0.0.3", 7) {
		t.Fatal("same id from a different sender is not a duplicate")
	}
}

func TestLegacyIdZeroNeverDeduplicated(t *testing.T) {
	c := New(10 * time.Second)
	for i := 0; i < 3; i++ {
		if c.Seen("10.0.0.2", 0) {
			t.Fatal("id-less messages must always pass")
		}
	}
}

func TestEntriesExpire(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Seen("10.0.0.2", 7)
	time.Sleep(100 * time.Millisecond)

	if c.Seen("10.0.0.2", 7) {
		t.Fatal("expired entry must not suppress")
	}
}
