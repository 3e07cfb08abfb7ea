// Package multi implements the multi-client server core (§4.8, §4.9,
// §4.10): the event loop that arbitrates between the wire transport,
// the virtual interface, and per-instance timers, and the broadcaster
// that fans a frame out to every established peer. It is the sole
// mutator of the registry, routing table, pool, scheduler, and
// deferred-write set — every other package in this module only reads
// or is read by it, matching the single-threaded-cooperative model:
// no locks are required between core operations because only one
// goroutine ever touches this state.
package multi

import (
	"net"
	"net/netip"
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/deferred"
	"github.com/fknittel/openvpn/pkg/pool"
	"github.com/fknittel/openvpn/pkg/reaper"
	"github.com/fknittel/openvpn/pkg/registry"
	"github.com/fknittel/openvpn/pkg/routing"
	"github.com/fknittel/openvpn/pkg/scheduler"
	"github.com/fknittel/openvpn/pkg/serverconfig"
	"github.com/fknittel/openvpn/pkg/status"
	"github.com/fknittel/openvpn/pkg/tun"
	"github.com/fknittel/openvpn/pkg/wire"
)

// KeyLookup resolves a peer's long-term public key from its real
// address, standing in for the control-channel handshake this core
// treats as opaque (§1's "TLS handshake is out of scope"). The server
// binary supplies a concrete implementation (e.g. backed by a
// certificate store); tests supply a fixed map.
type KeyLookup func(real addr.OuterAddr) (peerPublicKey [32]byte, identity string, ok bool)

// IrouteLookup resolves the statically configured subnets reachable
// behind a peer (§4.1's insert_iroute / the CCD iroute directive),
// keyed by the same identity KeyLookup resolves. A nil IrouteLookup
// (or one returning nil) means the peer has no static routes beyond
// its own assigned address.
type IrouteLookup func(identity string) []netip.Prefix

// Context is the server's MultiContext (§3): it owns every core data
// structure and is the only thing the event loop mutates.
type Context struct {
	cfg serverconfig.Config

	transport wire.Transport
	tunDev    tunReadWriter
	tunEvents <-chan []byte

	registry *registry.Registry
	routes   *routing.Table
	addrPool *pool.Pool
	sched    *scheduler.Scheduler
	deferSet *deferred.Set
	reap     *reaper.Reaper

	localKey     *cryptoctx.KeyPair
	lookupKey    KeyLookup
	lookupIroute IrouteLookup
	tunnelType   addr.TunnelType

	localInnerAddr addr.InnerAddr
	hasLocalInner  bool

	ioOrderToggle bool
	lastPerSecond time.Time

	draining bool

	statusCh chan []status.Row

	// dropOverflowCount is the error counter §4.10 requires broadcast
	// to record on a per-destination queue overflow, without aborting
	// delivery to the other destinations.
	dropOverflowCount uint64

	// tunPacketErrors counts packet-format failures on frames read
	// from the local TUN device (§7), which have no owning instance to
	// attribute them to.
	tunPacketErrors uint64
}

// tunReadWriter is the subset of *tun.Device the core depends on,
// narrowed so tests can substitute an in-memory fake.
type tunReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// New builds a Context over an already-open transport and TUN/TAP
// device. localKey is the server's own static keypair, used to derive
// each new peer's shared secret once lookupKey resolves their public
// key. lookupIroute may be nil if no peer has static routes.
func New(cfg serverconfig.Config, transport wire.Transport, tunDev *tun.Device, tunnelType addr.TunnelType, localKey *cryptoctx.KeyPair, lookupKey KeyLookup, lookupIroute IrouteLookup) (*Context, error) {
	p, err := pool.New(cfg.PoolCIDR)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSaveFile != "" {
		if err := p.Load(cfg.PoolSaveFile); err != nil {
			return nil, err
		}
	}

	c := &Context{
		cfg:          cfg,
		transport:    transport,
		registry:     registry.New(),
		routes:       routing.New(cfg.MrouteAgeableTTL()),
		addrPool:     p,
		sched:        scheduler.New(),
		deferSet:     deferred.NewSet(),
		reap:         reaper.New(cfg.ReapDivisor, cfg.ReapMin, cfg.ReapMax),
		localKey:     localKey,
		lookupKey:    lookupKey,
		lookupIroute: lookupIroute,
		tunnelType:   tunnelType,
	}

	if cfg.LocalInnerAddr != "" {
		ip, err := parseInnerHost(tunnelType, cfg.LocalInnerAddr)
		if err != nil {
			return nil, err
		}
		c.localInnerAddr = ip
		c.hasLocalInner = true
	}

	if tunDev != nil {
		c.tunDev = tunDev
		c.tunEvents = spawnTunReader(tunDev)
	}
	return c, nil
}

func parseInnerHost(tt addr.TunnelType, s string) (addr.InnerAddr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return addr.InnerAddr{}, errInvalidLocalInnerAddr
	}
	if ip4 := ip.To4(); ip4 != nil {
		return addr.NewIPv4Host(ip4), nil
	}
	return addr.NewIPv6Host(ip), nil
}

// spawnTunReader runs a "dumb pipe" goroutine that polls the TUN
// device's non-blocking read and forwards whatever frames arrive onto
// a channel, exactly like pkg/wire's transports — it never touches
// core state, only the loop goroutine (Run) does.
func spawnTunReader(dev tunReadWriter) <-chan []byte {
	ch := make(chan []byte, 256)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				close(ch)
				return
			}
			if n == 0 {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			ch <- frame
		}
	}()
	return ch
}
