// Package peerstore loads the static peer identity list the server
// binary uses to back pkg/multi's KeyLookup — the control-channel
// handshake that would normally resolve a peer's public key is opaque
// to the core (§4.5 treats it as out of scope), so something above the
// core must supply the (real-address or identity) -> public-key
// mapping. Re-expressed as TOML, like pkg/serverconfig, rather than
// the teacher's hand-rolled JSON config idiom.
package peerstore

import (
	"encoding/hex"
	"net/netip"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Entry is one statically configured peer. Addr is the peer's
// expected real-address host (no port — clients connect from an
// ephemeral source port); this stands in for the certificate CN a
// real TLS control channel would supply. Iroutes lists the subnets
// reachable behind this peer — the CCD iroute directive's equivalent
// — inserted into the routing table once the peer's instance is
// created and removed again when it closes.
type Entry struct {
	Name      string   `toml:"name"`
	Addr      string   `toml:"addr"`
	PublicKey string   `toml:"public_key"` // hex-encoded, 32 bytes
	Iroutes   []string `toml:"iroutes"`
}

type file struct {
	Peers []Entry `toml:"peers"`
}

// Store resolves a peer's public key by host address or identity, and
// lists every known identity for allocation/allowlisting purposes.
type Store struct {
	byName  map[string][32]byte
	byHost  map[string]string // host -> name
	iroutes map[string][]netip.Prefix
}

// Load reads a TOML peer file of the form:
//
//	[[peers]]
//	name = "alice"
//	addr = "203.0.113.9"
//	public_key = "<64 hex chars>"
//	iroutes = ["10.10.1.0/24"]
func Load(path string) (*Store, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	s := &Store{
		byName:  make(map[string][32]byte, len(f.Peers)),
		byHost:  make(map[string]string, len(f.Peers)),
		iroutes: make(map[string][]netip.Prefix, len(f.Peers)),
	}
	for _, e := range f.Peers {
		key, err := decodeKey(e.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %q", e.Name)
		}
		s.byName[e.Name] = key
		if e.Addr != "" {
			s.byHost[e.Addr] = e.Name
		}
		for _, raw := range e.Iroutes {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "peer %q: invalid iroute %q", e.Name, raw)
			}
			s.iroutes[e.Name] = append(s.iroutes[e.Name], prefix)
		}
	}
	return s, nil
}

func decodeKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, errors.Wrap(err, "public_key is not valid hex")
	}
	if len(raw) != 32 {
		return key, errors.Errorf("public_key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Lookup resolves identity's public key.
func (s *Store) Lookup(identity string) (publicKey [32]byte, ok bool) {
	key, ok := s.byName[identity]
	return key, ok
}

// LookupByHost resolves the peer configured for host, returning its
// identity and public key.
func (s *Store) LookupByHost(host string) (publicKey [32]byte, identity string, ok bool) {
	name, ok := s.byHost[host]
	if !ok {
		return publicKey, "", false
	}
	key, ok := s.byName[name]
	return key, name, ok
}

// Iroutes returns the statically configured subnets reachable behind
// identity, or nil if it has none. Safe to call on a zero-value Store
// (no peers file configured).
func (s *Store) Iroutes(identity string) []netip.Prefix {
	return s.iroutes[identity]
}

// Names returns every configured peer identity.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}
