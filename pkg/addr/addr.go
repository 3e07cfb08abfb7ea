// Package addr implements the tagged inner/outer address values the
// routing table and client registry use as lookup keys.
package addr

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Variant discriminates the kind of value an InnerAddr carries.
type Variant uint8

const (
	VariantNone Variant = iota
	VariantEther
	VariantIPv4
	VariantIPv6
	VariantUnix
)

func (v Variant) String() string {
	switch v {
	case VariantNone:
		return "none"
	case VariantEther:
		return "ether"
	case VariantIPv4:
		return "ipv4"
	case VariantIPv6:
		return "ipv6"
	case VariantUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// MaxAddrBytes is the widest address this value can hold (a unix path
// is truncated to this length, matching mroute_addr's fixed arena).
const MaxAddrBytes = 20

// InnerAddr is a discriminated inner-network address: an Ethernet MAC,
// an IPv4/IPv6 host or CIDR prefix, or a Unix path, used as a routing
// table key. Zero value is the "none" variant.
type InnerAddr struct {
	Variant   Variant
	Len       uint8
	Bytes     [MaxAddrBytes]byte
	WithPort  bool
	Port      uint16
	HasPrefix bool
	PrefixLen uint8
}

var (
	ErrFrameTooShort     = errors.New("frame too short")
	ErrUnknownEtherType  = errors.New("unknown ethertype")
	ErrBadPrefixLen      = errors.New("prefix length exceeds address width")
)

// NewEther builds an Ethernet MAC InnerAddr.
func NewEther(mac net.HardwareAddr) InnerAddr {
	a := InnerAddr{Variant: VariantEther, Len: uint8(len(mac))}
	copy(a.Bytes[:], mac)
	return a
}

// NewIPv4Host builds a /32 IPv4 host InnerAddr.
func NewIPv4Host(ip net.IP) InnerAddr {
	a := InnerAddr{Variant: VariantIPv4, Len: 4}
	copy(a.Bytes[:4], ip.To4())
	return a
}

// NewIPv4Prefix builds an IPv4 CIDR InnerAddr, masking host bits.
func NewIPv4Prefix(ip net.IP, prefixLen uint8) (InnerAddr, error) {
	if prefixLen > 32 {
		return InnerAddr{}, ErrBadPrefixLen
	}
	a := InnerAddr{Variant: VariantIPv4, Len: 4, HasPrefix: true, PrefixLen: prefixLen}
	copy(a.Bytes[:4], ip.To4())
	a.MaskHostBits()
	return a, nil
}

// NewIPv6Host builds a /128 IPv6 host InnerAddr.
func NewIPv6Host(ip net.IP) InnerAddr {
	a := InnerAddr{Variant: VariantIPv6, Len: 16}
	copy(a.Bytes[:16], ip.To16())
	return a
}

// NewIPv6Prefix builds an IPv6 CIDR InnerAddr, masking host bits.
func NewIPv6Prefix(ip net.IP, prefixLen uint8) (InnerAddr, error) {
	if prefixLen > 128 {
		return InnerAddr{}, ErrBadPrefixLen
	}
	a := InnerAddr{Variant: VariantIPv6, Len: 16, HasPrefix: true, PrefixLen: prefixLen}
	copy(a.Bytes[:16], ip.To16())
	a.MaskHostBits()
	return a, nil
}

// MaskHostBits zeroes every bit beyond PrefixLen. A no-op for host
// addresses (HasPrefix == false) or the ether/unix/none variants.
func (a *InnerAddr) MaskHostBits() {
	if !a.HasPrefix {
		return
	}
	bits := int(a.PrefixLen)
	for i := 0; i < int(a.Len); i++ {
		byteBits := bits - i*8
		switch {
		case byteBits >= 8:
			continue
		case byteBits <= 0:
			a.Bytes[i] = 0
		default:
			mask := byte(0xFF << (8 - byteBits))
			a.Bytes[i] &= mask
		}
	}
}

// IP returns the net.IP view of an ipv4/ipv6 InnerAddr, or nil.
func (a InnerAddr) IP() net.IP {
	switch a.Variant {
	case VariantIPv4:
		return net.IP(a.Bytes[:4])
	case VariantIPv6:
		return net.IP(a.Bytes[:16])
	default:
		return nil
	}
}

// Equal compares (variant, prefix-length, length, bytes, port) per the
// spec's hash/equality contract; uninitialized tail bytes beyond Len
// never participate.
func (a InnerAddr) Equal(b InnerAddr) bool {
	if a.Variant != b.Variant || a.Len != b.Len {
		return false
	}
	if a.HasPrefix != b.HasPrefix || a.PrefixLen != b.PrefixLen {
		return false
	}
	if a.WithPort != b.WithPort || (a.WithPort && a.Port != b.Port) {
		return false
	}
	for i := 0; i < int(a.Len); i++ {
		if a.Bytes[i] != b.Bytes[i] {
			return false
		}
	}
	return true
}

// Hash returns a stable 32-bit hash over (variant, length, prefix,
// bytes[:len]) for use as a map key substitute where needed; InnerAddr
// is itself comparable via Go's == for fixed-size struct fields, so
// most callers key maps on InnerAddr directly and this is reserved for
// custom hash-bucket implementations.
func (a InnerAddr) Hash() uint32 {
	h := uint32(2166136261) // FNV-1a offset basis
	mix := func(b byte) {
		h ^= uint32(b)
		h *= 16777619
	}
	mix(byte(a.Variant))
	mix(a.Len)
	mix(a.PrefixLen)
	for i := 0; i < int(a.Len); i++ {
		mix(a.Bytes[i])
	}
	if a.WithPort {
		var pb [2]byte
		binary.BigEndian.PutUint16(pb[:], a.Port)
		mix(pb[0])
		mix(pb[1])
	}
	return h
}

func (a InnerAddr) String() string {
	switch a.Variant {
	case VariantNone:
		return "none"
	case VariantEther:
		return net.HardwareAddr(a.Bytes[:a.Len]).String()
	case VariantIPv4, VariantIPv6:
		s := a.IP().String()
		if a.HasPrefix {
			s = fmt.Sprintf("%s/%d", s, a.PrefixLen)
		}
		if a.WithPort {
			s = fmt.Sprintf("%s:%d", s, a.Port)
		}
		return s
	case VariantUnix:
		return string(a.Bytes[:a.Len])
	default:
		return "invalid"
	}
}

// OuterVariant discriminates the transport family of an OuterAddr.
type OuterVariant uint8

const (
	OuterIPv4 OuterVariant = iota
	OuterIPv6
	OuterUnix
)

// PktInfo records the local interface/source address the kernel
// selected for an inbound datagram, captured on multi-homed UDP
// sockets via IP_PKTINFO/IPV6_PKTINFO control messages.
type PktInfo struct {
	LocalAddr net.IP
	IfIndex   int
}

// OuterAddr is a discriminated outer transport address: an IP+port
// socket address or a Unix domain socket path.
type OuterAddr struct {
	Variant OuterVariant
	IP      net.IP
	Port    int
	Path    string
	PktInfo *PktInfo
}

func NewOuterUDP(udp *net.UDPAddr) OuterAddr {
	v := OuterIPv4
	if udp.IP.To4() == nil {
		v = OuterIPv6
	}
	return OuterAddr{Variant: v, IP: udp.IP, Port: udp.Port}
}

func NewOuterUnix(path string) OuterAddr {
	return OuterAddr{Variant: OuterUnix, Path: path}
}

// Key returns a comparable value suitable as a map key (net.IP is a
// slice and not comparable, so real-address maps key on this instead
// of the OuterAddr struct directly).
func (o OuterAddr) Key() string {
	switch o.Variant {
	case OuterUnix:
		return "unix:" + o.Path
	default:
		return fmt.Sprintf("%s:%d", o.IP.String(), o.Port)
	}
}

func (o OuterAddr) String() string {
	return o.Key()
}

// FrameClass classifies a frame's destination for the routing/learning
// decision in the event loop: unicast frames are learnable, broadcast
// and multicast frames are handed to the broadcaster instead.
type FrameClass uint8

const (
	ClassUnicast FrameClass = iota
	ClassBroadcast
	ClassMulticast
	ClassIGMP
)

// TunnelType selects which framing ExtractFromFrame parses.
type TunnelType uint8

const (
	TunnelTUN TunnelType = iota // IPv4/IPv6 L3 packets
	TunnelTAP                   // Ethernet II frames
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
)

// ExtractFromFrame parses a tunnel-carried frame for its inner source
// and destination addresses and destination class, per §4.1.
func ExtractFromFrame(tt TunnelType, frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	switch tt {
	case TunnelTUN:
		return extractIP(frame)
	case TunnelTAP:
		return extractEther(frame)
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, errors.New("unknown tunnel type")
	}
}

func extractIP(frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	if len(frame) < 1 {
		return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrFrameTooShort
	}
	version := frame[0] >> 4
	switch version {
	case 4:
		if len(frame) < 20 {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrFrameTooShort
		}
		srcIP := net.IP(frame[12:16])
		dstIP := net.IP(frame[16:20])
		src = NewIPv4Host(srcIP)
		dst = NewIPv4Host(dstIP)
		class = classifyIPv4(dstIP)
		return src, dst, class, nil
	case 6:
		if len(frame) < 40 {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrFrameTooShort
		}
		srcIP := net.IP(frame[8:24])
		dstIP := net.IP(frame[24:40])
		src = NewIPv6Host(srcIP)
		dst = NewIPv6Host(dstIP)
		class = classifyIPv6(dstIP)
		return src, dst, class, nil
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, errors.Wrapf(ErrUnknownEtherType, "IP version %d", version)
	}
}

func classifyIPv4(dst net.IP) FrameClass {
	if dst.Equal(net.IPv4bcast) {
		return ClassBroadcast
	}
	if dst[0] >= 224 && dst[0] <= 239 {
		return ClassMulticast
	}
	return ClassUnicast
}

func classifyIPv6(dst net.IP) FrameClass {
	if dst.IsMulticast() {
		return ClassMulticast
	}
	return ClassUnicast
}

func extractEther(frame []byte) (src, dst InnerAddr, class FrameClass, err error) {
	if len(frame) < 14 {
		return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrFrameTooShort
	}
	dstMAC := net.HardwareAddr(frame[0:6])
	srcMAC := net.HardwareAddr(frame[6:12])
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType == etherTypeVLAN {
		if len(frame) < 18 {
			return InnerAddr{}, InnerAddr{}, ClassUnicast, ErrFrameTooShort
		}
		etherType = binary.BigEndian.Uint16(frame[16:18])
	}
	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
	default:
		return InnerAddr{}, InnerAddr{}, ClassUnicast, errors.Wrapf(ErrUnknownEtherType, "ethertype 0x%04x", etherType)
	}

	src = NewEther(srcMAC)
	dst = NewEther(dstMAC)
	class = classifyEther(dstMAC)
	return src, dst, class, nil
}

func classifyEther(dst net.HardwareAddr) FrameClass {
	if len(dst) != 6 {
		return ClassUnicast
	}
	broadcast := true
	for _, b := range dst {
		if b != 0xFF {
			broadcast = false
			break
		}
	}
	if broadcast {
		return ClassBroadcast
	}
	if dst[0]&0x01 != 0 {
		return ClassMulticast
	}
	return ClassUnicast
}
