package multi

import (
	"sync/atomic"

	"github.com/fknittel/openvpn/pkg/status"
)

// EnableStatusUpdates starts the loop pushing a fresh status snapshot
// once per second (see runPerSecondHousekeeping) and returns the
// receiving end. Per §5's shared-resource policy, the status-reporting
// goroutine consuming this channel must never read instance fields
// itself — only this copy, produced inside the loop goroutine.
func (c *Context) EnableStatusUpdates() <-chan []status.Row {
	c.statusCh = make(chan []status.Row, 1)
	return c.statusCh
}

// statusRows produces a point-in-time copy of every live instance;
// called only from the loop goroutine.
func (c *Context) statusRows() []status.Row {
	instances := c.registry.Iter()
	rows := make([]status.Row, 0, len(instances))
	for _, ci := range instances {
		rows = append(rows, status.Row{
			CommonName:     ci.MsgPrefix,
			RealAddr:       ci.Real.String(),
			VirtualAddr:    ci.VAddr.String(),
			BytesIn:        atomic.LoadUint64(&ci.BytesIn),
			BytesOut:       atomic.LoadUint64(&ci.BytesOut),
			PacketErrors:   atomic.LoadUint64(&ci.PacketErrors),
			ConnectedSince: ci.Created,
		})
	}
	return rows
}

// DropOverflowCount returns the number of deferred-queue overflow
// drops recorded since startup (§4.10), safe to call concurrently
// with the loop.
func (c *Context) DropOverflowCount() uint64 {
	return atomic.LoadUint64(&c.dropOverflowCount)
}

// TunPacketErrorCount returns the number of packet-format errors seen
// on frames read from the local TUN device since startup (§7), safe
// to call concurrently with the loop.
func (c *Context) TunPacketErrorCount() uint64 {
	return atomic.LoadUint64(&c.tunPacketErrors)
}
