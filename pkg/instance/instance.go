// Package instance defines the per-client session type shared by the
// registry, routing table, scheduler, and deferred-write queue. It sits
// below all of those so none of them depend on each other to describe
// a client.
package instance

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/deferred"
)

// State is a ClientInstance's position in the per-instance state
// machine (§4.9).
type State uint8

const (
	StateUnassigned State = iota
	StateAuthenticating
	StateEstablished
	StateHalting
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateHalting:
		return "halting"
	default:
		return "invalid"
	}
}

// ClientInstance represents one logical peer connection. Ownership is
// shared across the registry's three views, the scheduler, and any
// route that targets it; Go's garbage collector reclaims the backing
// memory once nothing references it, but Refcount/Halt are still
// tracked explicitly so the §3 lifecycle rule ("freed only when
// refcount reaches zero AND halt is set") have a concrete, inspectable
// signal independent of GC timing.
type ClientInstance struct {
	ID uint64

	Real  addr.OuterAddr
	VAddr addr.InnerAddr

	State State

	Defined bool
	Halt    bool
	Created time.Time
	Wakeup  time.Time

	TCPDeferred *deferred.Queue
	TCPRWFlags  int

	ConnectionEstablished bool
	DidRealHash           bool
	DidIter               bool
	DidIroutes            bool
	DidOpenContext        bool

	// Iroutes records the CIDR routes registered on this instance's
	// behalf, so closeInstance can remove exactly these entries from
	// the routing table without re-deriving them from configuration.
	Iroutes []netip.Prefix

	Context cryptoctx.Context

	MsgPrefix string

	// HeapIndex is the scheduler's back-index into its heap slice; -1
	// when the instance holds no scheduler entry. Mutated only by
	// pkg/scheduler.
	HeapIndex int

	// BytesIn/BytesOut track link-direction traffic for the status
	// output (§6): BytesIn counts ciphertext bytes read from the link,
	// BytesOut counts ciphertext bytes written to it. Atomic because
	// the status-reporting goroutine reads a snapshot of these fields
	// concurrently with the loop's mutations.
	BytesIn  uint64
	BytesOut uint64

	// PacketErrors counts packet-format failures attributed to this
	// instance (too-short frame, bad EtherType, unparseable inner
	// header, §7) — incremented wherever the dropped frame's owning
	// instance is known, alongside the debug log that already fires
	// there.
	PacketErrors uint64

	refcount int32
}

// New allocates a ClientInstance for a newly observed real address.
// Refcount starts at 1, matching create_instance's contract in §4.2.
func New(id uint64, real addr.OuterAddr, now time.Time) *ClientInstance {
	ci := &ClientInstance{
		ID:          id,
		Real:        real,
		State:       StateUnassigned,
		Defined:     true,
		Created:     now,
		Wakeup:      now,
		TCPDeferred: deferred.NewQueue(),
		HeapIndex:   -1,
	}
	ci.refcount = 1
	return ci
}

// IncRef increments the reference count. Routes and the scheduler hold
// plain pointers to the instance and do not call it.
func (ci *ClientInstance) IncRef() {
	atomic.AddInt32(&ci.refcount, 1)
}

// DecRef decrements the reference count and reports whether it has
// reached zero.
func (ci *ClientInstance) DecRef() bool {
	return atomic.AddInt32(&ci.refcount, -1) == 0
}

// Refcount returns the current reference count.
func (ci *ClientInstance) Refcount() int32 {
	return atomic.LoadInt32(&ci.refcount)
}

// Freed reports whether the instance may be dropped from every
// structure: halted with no remaining references.
func (ci *ClientInstance) Freed() bool {
	return ci.Halt && ci.Refcount() == 0
}

// MarkHalting transitions the instance to Halting and sets Halt, the
// terminal signal every lookup in the registry and routing table
// checks before returning a result.
func (ci *ClientInstance) MarkHalting() {
	ci.Halt = true
	ci.State = StateHalting
}
