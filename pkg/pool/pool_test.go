package pool

import (
	"testing"
)

func TestAllocateHandsOutDistinctAddressesExcludingNetworkAndBroadcast(t *testing.T) {
	p, err := New("10.8.0.0/30") // 2 usable hosts: .1, .2
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := p.Allocate("client-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := p.Allocate("client-b")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Equal(b) {
		t.Fatalf("expected distinct addresses, got %s twice", a)
	}

	if _, err := p.Allocate("client-c"); err != ErrExhausted {
		t.Errorf("expected ErrExhausted once the range is full, got %v", err)
	}
}

// The outstanding set must always equal exactly the instances
// currently assigned an address: every Allocate grows it, every
// Release shrinks it, and nothing else changes its size.
func TestOutstandingSetEqualsAssignedInstances(t *testing.T) {
	p, err := New("10.8.0.0/28") // 14 usable hosts
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := len(p.Outstanding()); got != 0 {
		t.Fatalf("expected an empty pool to have no outstanding addresses, got %d", got)
	}

	a, err := p.Allocate("client-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Allocate("client-b"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := len(p.Outstanding()); got != 2 {
		t.Fatalf("expected 2 outstanding addresses after 2 allocations, got %d", got)
	}

	p.Release(a)
	if got := len(p.Outstanding()); got != 1 {
		t.Fatalf("expected 1 outstanding address after releasing one, got %d", got)
	}

	// Releasing the same address twice must not shrink the set below
	// the true outstanding count.
	p.Release(a)
	if got := len(p.Outstanding()); got != 1 {
		t.Errorf("expected a double Release to be a no-op, got %d outstanding", got)
	}
}

func TestReleaseAllowsTheAddressToBeReallocated(t *testing.T) {
	p, err := New("10.8.0.0/30") // 2 usable hosts
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := p.Allocate("client-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Allocate("client-b"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.Release(a)

	c, err := p.Allocate("client-c")
	if err != nil {
		t.Fatalf("expected Allocate to succeed after a Release freed a slot: %v", err)
	}
	if !c.Equal(a) {
		t.Errorf("expected the freed address to be handed back out, got %s want %s", c, a)
	}
}

func TestNewRejectsRangesTooSmallToAllocate(t *testing.T) {
	if _, err := New("10.8.0.0/31"); err == nil {
		t.Error("expected a /31 (no usable host bits beyond network+broadcast) to be rejected")
	}
}

func TestSaveAndLoadRoundTripsOutstandingAssignments(t *testing.T) {
	p, err := New("10.8.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := p.Allocate("client-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	path := t.TempDir() + "/pool.json"
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p2, err := New("10.8.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(p2.Outstanding()); got != 1 {
		t.Fatalf("expected 1 outstanding assignment after Load, got %d", got)
	}

	// The restored pool must refuse to hand the same address back out
	// to a second allocation — it's still considered taken.
	b, err := p2.Allocate("client-b")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Equal(a) {
		t.Errorf("expected a freshly loaded assignment to stay reserved, got %s reused", b)
	}
}

func TestLoadOnMissingFileIsANoop(t *testing.T) {
	p, err := New("10.8.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Load("/nonexistent/pool.json"); err != nil {
		t.Errorf("expected Load on a missing file to be a no-op, got %v", err)
	}
	if got := len(p.Outstanding()); got != 0 {
		t.Errorf("expected no outstanding addresses, got %d", got)
	}
}
