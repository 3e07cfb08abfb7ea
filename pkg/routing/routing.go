// Package routing implements the inner-address routing table (vhash,
// §4.1): exact host lookups backed by a plain map, longest-prefix CIDR
// lookups backed by a github.com/gaissmai/bart trie (the same library
// the retrieved tailscale example uses for LPM routing), and a
// host-route cache invalidated by generation counter.
package routing

import (
	"net/netip"
	"sort"
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/instance"
	"github.com/gaissmai/bart"
)

// Flags on a Route (§3).
type Flags uint8

const (
	FlagCache Flags = 1 << iota
	FlagAgeable
	FlagLookupCache
)

// Route is one entry in the table: an inner-address key bound to a
// client instance, with the staleness bookkeeping from §3.
type Route struct {
	Inner           addr.InnerAddr
	Instance        *instance.ClientInstance
	Flags           Flags
	CacheGeneration uint32
	LastRef         time.Time
}

// Table is the vhash routing table.
type Table struct {
	hostRoutes map[addr.InnerAddr]*Route

	cidrV4 *bart.Table[*Route]
	cidrV6 *bart.Table[*Route]

	netLenRefcount map[int]int // prefix length -> number of live CIDR routes at that length
	cacheGen       uint32

	ageableTTL time.Duration
}

// New builds an empty routing table. ageableTTL is the
// mroute_ageable_ttl_secs configuration value.
func New(ageableTTL time.Duration) *Table {
	return &Table{
		hostRoutes:     make(map[addr.InnerAddr]*Route),
		cidrV4:         &bart.Table[*Route]{},
		cidrV6:         &bart.Table[*Route]{},
		netLenRefcount: make(map[int]int),
		ageableTTL:     ageableTTL,
	}
}

// InsertHost adds or replaces an exact host route. If ci is already
// the target for inner, this is a no-op except for refreshing
// LastRef — the idempotent-learning property in §8.
func (t *Table) InsertHost(inner addr.InnerAddr, ci *instance.ClientInstance, flags Flags, now time.Time) {
	if existing, ok := t.hostRoutes[inner]; ok && existing.Instance == ci {
		existing.LastRef = now
		return
	}
	t.hostRoutes[inner] = &Route{
		Inner:           inner,
		Instance:        ci,
		Flags:           flags,
		CacheGeneration: t.cacheGen,
		LastRef:         now,
	}
}

// DeleteHost removes an exact host route, if present.
func (t *Table) DeleteHost(inner addr.InnerAddr) {
	delete(t.hostRoutes, inner)
}

// InsertIroute registers a CIDR route on behalf of ci (a subnet
// reachable behind that peer). Bumps the cache generation whenever the
// set of distinct prefix lengths in use changes, invalidating any
// stale lookup-cache entries.
func (t *Table) InsertIroute(prefix netip.Prefix, ci *instance.ClientInstance, now time.Time) {
	tbl := t.cidrTable(prefix.Addr())
	bits := prefix.Bits()
	if t.netLenRefcount[bits] == 0 {
		t.cacheGen++
	}
	t.netLenRefcount[bits]++
	tbl.Insert(prefix, &Route{
		Instance:        ci,
		Flags:           0,
		CacheGeneration: t.cacheGen,
		LastRef:         now,
	})
}

// DeleteIroute removes a previously registered CIDR route.
func (t *Table) DeleteIroute(prefix netip.Prefix) {
	tbl := t.cidrTable(prefix.Addr())
	bits := prefix.Bits()
	if t.netLenRefcount[bits] > 0 {
		t.netLenRefcount[bits]--
		if t.netLenRefcount[bits] == 0 {
			delete(t.netLenRefcount, bits)
			t.cacheGen++
		}
	}
	tbl.Delete(prefix)
}

func (t *Table) cidrTable(ip netip.Addr) *bart.Table[*Route] {
	if ip.Is4() {
		return t.cidrV4
	}
	return t.cidrV6
}

// ActiveLengths returns the distinct CIDR prefix lengths currently in
// use, descending — the helper's active set invariant in §3.
func (t *Table) ActiveLengths() []int {
	lens := make([]int, 0, len(t.netLenRefcount))
	for l := range t.netLenRefcount {
		lens = append(lens, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lens)))
	return lens
}

// Lookup resolves inner to a live client instance: exact host routes
// win over CIDR routes (host routes dominate), then longest-prefix
// match via the bart trie. Halted instances are treated as misses.
func (t *Table) Lookup(inner addr.InnerAddr) *instance.ClientInstance {
	if r, ok := t.hostRoutes[inner]; ok {
		if r.Instance != nil && !r.Instance.Halt {
			return r.Instance
		}
		delete(t.hostRoutes, inner)
	}

	ip, ok := innerToNetipAddr(inner)
	if !ok {
		return nil
	}
	tbl := t.cidrTable(ip)
	r, ok := tbl.Lookup(ip)
	if !ok || r.Instance == nil || r.Instance.Halt {
		return nil
	}
	return r.Instance
}

// Touch refreshes an ageable host route's last-reference time on
// successful use, resetting its TTL clock.
func (t *Table) Touch(inner addr.InnerAddr, now time.Time) {
	if r, ok := t.hostRoutes[inner]; ok {
		r.LastRef = now
	}
}

// CacheGeneration returns the table's current generation counter.
func (t *Table) CacheGeneration() uint32 {
	return t.cacheGen
}

func innerToNetipAddr(inner addr.InnerAddr) (netip.Addr, bool) {
	switch inner.Variant {
	case addr.VariantIPv4:
		var b [4]byte
		copy(b[:], inner.Bytes[:4])
		return netip.AddrFrom4(b), true
	case addr.VariantIPv6:
		var b [16]byte
		copy(b[:], inner.Bytes[:16])
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// HostRoutes exposes the raw host-route map for the reaper's
// bucket-sweep pass (§4.7), which needs stable per-bucket iteration
// over exactly the entries this table owns.
func (t *Table) HostRoutes() map[addr.InnerAddr]*Route {
	return t.hostRoutes
}

// IsStale reports whether r should be removed by the reaper: its
// instance is halted, its cache generation is behind the table's
// current generation, or (if ageable) its TTL has elapsed.
func (t *Table) IsStale(r *Route, now time.Time) bool {
	if r.Instance == nil || r.Instance.Halt {
		return true
	}
	if r.Flags&FlagCache != 0 && r.CacheGeneration != t.cacheGen {
		return true
	}
	if r.Flags&FlagAgeable != 0 && t.ageableTTL > 0 && now.Sub(r.LastRef) > t.ageableTTL {
		return true
	}
	return false
}
