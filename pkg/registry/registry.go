// Package registry implements the client instance registry (§4.2):
// three views over the set of live instances — by real (outer) address,
// by virtual (inner) address, and an iteration-friendly view — sharing
// reference-counted ownership of each *instance.ClientInstance.
package registry

import (
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/instance"
)

// Registry holds the three instance views described in §3. It is not
// safe for concurrent use; the single-threaded event loop is the only
// caller (§4.2, §5).
type Registry struct {
	byReal  map[string]*instance.ClientInstance
	byVAddr map[addr.InnerAddr]*instance.ClientInstance
	iter    map[uint64]*instance.ClientInstance

	nextID uint64
}

func New() *Registry {
	return &Registry{
		byReal:  make(map[string]*instance.ClientInstance),
		byVAddr: make(map[addr.InnerAddr]*instance.ClientInstance),
		iter:    make(map[uint64]*instance.ClientInstance),
	}
}

// Len reports the number of live (non-halted) instances, for
// max_clients enforcement at the call site.
func (r *Registry) Len() int {
	return len(r.iter)
}

// CreateInstance allocates and registers a new ClientInstance for a
// previously unknown real address, per §4.2's create_instance.
func (r *Registry) CreateInstance(real addr.OuterAddr, now time.Time) *instance.ClientInstance {
	r.nextID++
	ci := instance.New(r.nextID, real, now)
	ci.DidRealHash = true
	ci.DidIter = true
	r.byReal[real.Key()] = ci
	r.iter[ci.ID] = ci
	return ci
}

// AttachVAddr associates a virtual inner address with ci, per §4.2's
// attach_vaddr. Replaces any previous vaddr mapping for ci.
func (r *Registry) AttachVAddr(ci *instance.ClientInstance, vaddr addr.InnerAddr) {
	if ci.DidIroutes {
		delete(r.byVAddr, ci.VAddr)
	}
	ci.VAddr = vaddr
	ci.DidIroutes = true
	r.byVAddr[vaddr] = ci
}

// LookupReal returns the live instance at real, or nil.
func (r *Registry) LookupReal(real addr.OuterAddr) *instance.ClientInstance {
	ci, ok := r.byReal[real.Key()]
	if !ok || ci.Halt {
		return nil
	}
	return ci
}

// LookupVAddr returns the live instance assigned vaddr, or nil.
func (r *Registry) LookupVAddr(vaddr addr.InnerAddr) *instance.ClientInstance {
	ci, ok := r.byVAddr[vaddr]
	if !ok || ci.Halt {
		return nil
	}
	return ci
}

// LookupByID returns the live instance with the given ID, or
// (nil, false) — used by the deferred-write dispatch, which tracks
// instances by ID rather than by address.
func (r *Registry) LookupByID(id uint64) (*instance.ClientInstance, bool) {
	ci, ok := r.iter[id]
	if !ok || ci.Halt {
		return nil, false
	}
	return ci, true
}

// Iter returns every live instance, in no particular order, for the
// broadcaster and per-second housekeeping passes.
func (r *Registry) Iter() []*instance.ClientInstance {
	out := make([]*instance.ClientInstance, 0, len(r.iter))
	for _, ci := range r.iter {
		if !ci.Halt {
			out = append(out, ci)
		}
	}
	return out
}

// CloseInstance marks ci halted and removes it from every view, per
// §4.2's close_instance. The caller is responsible for removing any
// scheduler entry and routes separately (routes are reaped lazily via
// the halt flag, matching multi_route_defined's lazy-liveness check).
func (r *Registry) CloseInstance(ci *instance.ClientInstance) {
	ci.MarkHalting()
	if ci.DidRealHash {
		delete(r.byReal, ci.Real.Key())
		ci.DidRealHash = false
	}
	if ci.DidIroutes {
		delete(r.byVAddr, ci.VAddr)
		ci.DidIroutes = false
	}
	if ci.DidIter {
		delete(r.iter, ci.ID)
		ci.DidIter = false
	}
	ci.DecRef()
}
