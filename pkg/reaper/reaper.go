// Package reaper implements the background sweep (§4.7) that expires
// stale routes in bounded per-tick batches, so a large table never
// dominates a single event-loop iteration. Grounded on the teacher's
// ticker-driven cleanupStaleClients sweep, generalized to the bucketed
// budget formula from the original multi.h (REAP_MIN/REAP_MAX/
// REAP_DIVISOR).
package reaper

import (
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/routing"
)

const (
	DefaultMaxWakeup = 10 * time.Second
	DefaultDivisor   = 256
	DefaultMin       = 16
	DefaultMax       = 1024
)

// Reaper sweeps a routing.Table's host routes in bucketed passes. A
// "bucket" here is one stable slot in the reaper's own key ordering
// (rebuilt lazily whenever the table's size changes), since Go's
// built-in map does not expose its internal bucket layout.
type Reaper struct {
	divisor, min, max int

	keys   []addr.InnerAddr
	cursor int

	lastRun time.Time
}

func New(divisor, min, max int) *Reaper {
	if divisor <= 0 {
		divisor = DefaultDivisor
	}
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Reaper{divisor: divisor, min: min, max: max}
}

// BucketsPerPass computes max(min, min(max, bucketCount/divisor)), the
// formula in §4.7, so the full table is covered within
// REAP_MAX_WAKEUP seconds of wall time.
func (r *Reaper) BucketsPerPass(bucketCount int) int {
	v := bucketCount / r.divisor
	if v < r.min {
		v = r.min
	}
	if v > r.max {
		v = r.max
	}
	return v
}

// ShouldRun reports whether at least one wall second has passed since
// the last Sweep, per §4.8's "at most once per wall second" contract.
func (r *Reaper) ShouldRun(now time.Time) bool {
	return now.Sub(r.lastRun) >= time.Second
}

// Sweep scans one budgeted batch of buckets, removing every route the
// table considers stale (cache-generation mismatch, ageable TTL
// elapsed, or instance halted), and returns the number removed.
func (r *Reaper) Sweep(tbl *routing.Table, now time.Time) int {
	r.lastRun = now
	r.refreshKeys(tbl)
	if len(r.keys) == 0 {
		return 0
	}

	perPass := r.BucketsPerPass(len(r.keys))
	hostRoutes := tbl.HostRoutes()
	removed := 0

	for i := 0; i < perPass && len(r.keys) > 0; i++ {
		if r.cursor >= len(r.keys) {
			r.cursor = 0
		}
		key := r.keys[r.cursor]
		route, ok := hostRoutes[key]
		if !ok {
			r.removeKeyAtCursor()
			continue
		}
		if tbl.IsStale(route, now) {
			tbl.DeleteHost(key)
			r.removeKeyAtCursor()
			removed++
			continue
		}
		r.cursor++
	}
	return removed
}

// removeKeyAtCursor swap-removes the key under the cursor without
// advancing it, so the element swapped into its place is visited next.
func (r *Reaper) removeKeyAtCursor() {
	last := len(r.keys) - 1
	r.keys[r.cursor] = r.keys[last]
	r.keys = r.keys[:last]
	if r.cursor > len(r.keys) {
		r.cursor = 0
	}
}

func (r *Reaper) refreshKeys(tbl *routing.Table) {
	hostRoutes := tbl.HostRoutes()
	if len(r.keys) == len(hostRoutes) {
		return
	}
	keys := make([]addr.InnerAddr, 0, len(hostRoutes))
	for k := range hostRoutes {
		keys = append(keys, k)
	}
	r.keys = keys
	if r.cursor > len(r.keys) {
		r.cursor = 0
	}
}
