// Package pool implements the virtual-address allocator (§4.3): hands
// out distinct InnerAddr values from a configured IPv4 range, tracks
// the outstanding set, and persists assignments across restarts using
// the teacher's encoding/json config-file idiom, repurposed here for
// a small identity-keyed save file instead of a config struct.
package pool

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"os"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/pkg/errors"
)

var ErrExhausted = errors.New("virtual address pool exhausted")

// Pool allocates IPv4 host addresses out of a CIDR range. The network
// and broadcast addresses of the range are never handed out.
type Pool struct {
	base    uint32 // network address, host order
	size    uint32 // number of usable host addresses
	cursor  uint32
	taken   map[uint32]string // offset -> identity (or "" if unknown)
}

// New builds a Pool over cidr (e.g. "10.8.0.0/24").
func New(cidr string) (*Pool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrap(err, "parse pool CIDR")
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, errors.New("pool only supports IPv4 ranges")
	}
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, errors.New("pool CIDR too small to allocate host addresses")
	}
	base := binary.BigEndian.Uint32(ipnet.IP.To4())
	size := uint32(1)<<uint(hostBits) - 2 // exclude network + broadcast
	return &Pool{base: base, size: size, taken: make(map[uint32]string)}, nil
}

// Allocate hands out the next free inner address for identity (a
// human-readable tag, e.g. a common name; may be empty).
func (p *Pool) Allocate(identity string) (addr.InnerAddr, error) {
	for i := uint32(0); i < p.size; i++ {
		offset := 1 + (p.cursor+i)%p.size // skip .0 (network)
		if _, used := p.taken[offset]; !used {
			p.cursor = (p.cursor + i + 1) % p.size
			p.taken[offset] = identity
			return p.innerAddr(offset), nil
		}
	}
	return addr.InnerAddr{}, ErrExhausted
}

// Release returns a previously allocated address to the pool.
func (p *Pool) Release(a addr.InnerAddr) {
	offset, ok := p.offsetOf(a)
	if !ok {
		return
	}
	delete(p.taken, offset)
}

// Outstanding returns the set of currently assigned addresses.
func (p *Pool) Outstanding() []addr.InnerAddr {
	out := make([]addr.InnerAddr, 0, len(p.taken))
	for offset := range p.taken {
		out = append(out, p.innerAddr(offset))
	}
	return out
}

func (p *Pool) innerAddr(offset uint32) addr.InnerAddr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], p.base+offset)
	return addr.NewIPv4Host(net.IP(b[:]))
}

func (p *Pool) offsetOf(a addr.InnerAddr) (uint32, bool) {
	if a.Variant != addr.VariantIPv4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(a.Bytes[:4])
	if v < p.base {
		return 0, false
	}
	offset := v - p.base
	if _, used := p.taken[offset]; !used {
		return 0, false
	}
	return offset, true
}

// assignment is the on-disk persistence record (§6 Pool persistence).
type assignment struct {
	Offset   uint32 `json:"offset"`
	Identity string `json:"identity"`
}

// Save writes the current outstanding assignments to path (§6's
// save/load persistence callbacks). After Load, the saved addresses
// stay reserved; Allocate does not look up an identity's saved
// address, so a returning peer is not given the same address back.
func (p *Pool) Save(path string) error {
	records := make([]assignment, 0, len(p.taken))
	for offset, identity := range p.taken {
		records = append(records, assignment{Offset: offset, Identity: identity})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal pool assignments")
	}
	return os.WriteFile(path, data, 0600)
}

// Load restores assignments previously written by Save, overwriting
// the pool's current outstanding set.
func (p *Pool) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read pool assignments")
	}
	var records []assignment
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, "unmarshal pool assignments")
	}
	p.taken = make(map[uint32]string, len(records))
	for _, rec := range records {
		p.taken[rec.Offset] = rec.Identity
	}
	return nil
}
