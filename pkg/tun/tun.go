// Package tun implements the TUN device binding for the data path's
// "tun" side (§4.5, §6); TAP devices are not opened. It covers opening
// /dev/net/tun via the
// TUNSETIFF ioctl, and configuring the resulting interface (address,
// MTU, up, routes) entirely through netlink rather than shelling out
// to "ip"/"ifconfig". Grounded on the teacher's
// cmd/client/tun_linux.go (ioctl sequence, flag bytes) and on the
// retrieved Qedr1-l3gover example's configureTUN, which does the same
// ioctl open followed by github.com/vishvananda/netlink
// LinkByName/LinkSetMTU/LinkSetUp/AddrReplace/RouteReplace calls in
// place of exec.Command("ip", ...).
package tun

import (
	"net"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	tunsetiff = 0x400454ca
	iffTUN    = 0x0001
	iffNoPI   = 0x1000
	ifNameSz  = 16
)

// ifreq mirrors the kernel's struct ifreq layout for TUNSETIFF: a
// 16-byte interface name followed by a flags field.
type ifreq struct {
	Name  [ifNameSz]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Device is an open TUN interface.
type Device struct {
	fd   int
	Name string
}

// Open creates (or attaches to) a TUN device named name. If name is
// empty the kernel assigns a "tunN" name, reflected back in
// Device.Name.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/net/tun")
	}

	var req ifreq
	copy(req.Name[:], name)
	req.Flags = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunsetiff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, errors.Wrap(errno, "ioctl TUNSETIFF")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblock")
	}

	actual := nullTerminated(req.Name[:])
	return &Device{fd: fd, Name: actual}, nil
}

// Read performs a non-blocking read of one inner packet. It returns
// (0, nil) when no packet is currently available, matching the
// original's peek-then-read poll discipline.
func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Write sends one inner packet out through the device.
func (d *Device) Write(p []byte) (int, error) {
	return unix.Write(d.fd, p)
}

// Fd exposes the raw descriptor for callers that want to multiplex it
// with unix.Poll alongside wire sockets.
func (d *Device) Fd() int { return d.fd }

// Close releases the device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Configure brings the interface up, assigns it the given CIDR, and
// optionally sets its MTU — the netlink-native equivalent of the
// teacher's "ip addr add / ip link set mtu / ip link set up" shell-out
// sequence.
func Configure(ifaceName, cidr string, mtu int) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "link %s not found", ifaceName)
	}

	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return errors.Wrap(err, "set mtu")
		}
	}

	if cidr != "" {
		ip, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return errors.Wrap(err, "parse local address")
		}
		nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipnet.Mask}}
		if err := netlink.AddrReplace(link, nlAddr); err != nil {
			return errors.Wrap(err, "assign address")
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrap(err, "link up")
	}
	return nil
}

// AddRoute installs a route for dst through the named interface, the
// netlink equivalent of an explicit "ip route add" — used when a
// client's iroutes need to reach the TUN device directly rather than
// through the address already assigned to it.
func AddRoute(ifaceName string, dst *net.IPNet) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "link %s not found", ifaceName)
	}
	rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
	if err := netlink.RouteReplace(rt); err != nil {
		return errors.Wrap(err, "add route")
	}
	return nil
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
