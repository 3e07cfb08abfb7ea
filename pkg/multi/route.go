package multi

import (
	"sync/atomic"
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/instance"
	"github.com/fknittel/openvpn/pkg/routing"
	"github.com/sirupsen/logrus"
)

// handleLinkRead implements §4.8's "read from link" dispatch: resolve
// or create the owning instance, run its pipeline, learn the source
// route, then forward the decrypted frame to the TUN device, to
// another peer (C2C), or to the broadcaster.
func (c *Context) handleLinkRead(buf []byte, from addr.OuterAddr) {
	if c.draining {
		return // shutting down: no new instances are accepted
	}
	ci, err := c.resolveInstance(from)
	if err != nil {
		logrus.Debugf("link read from %s refused: %v", from, err)
		return
	}
	atomic.AddUint64(&ci.BytesIn, uint64(len(buf)))

	inner, action, err := ci.Context.ProcessIncomingLink(buf)
	if !c.handleAction(ci, action, err) {
		return
	}
	c.advanceState(ci, instance.StateAuthenticating)
	if ci.Context.ConnectionEstablished() {
		c.advanceState(ci, instance.StateEstablished)
	}
	if inner == nil {
		return // control/handshake byte, nothing to route
	}

	src, dst, class, err := addr.ExtractFromFrame(c.tunnelType, inner)
	if err != nil {
		atomic.AddUint64(&ci.PacketErrors, 1)
		logrus.Debugf("instance %d: malformed inner frame: %v", ci.ID, err)
		return
	}

	c.learn(src, ci, time.Now())

	switch class {
	case addr.ClassBroadcast, addr.ClassMulticast, addr.ClassIGMP:
		c.broadcast(inner, ci)
		return
	}

	if c.cfg.EnableC2C {
		if target := c.routes.Lookup(dst); target != nil && target != ci {
			c.forwardToPeer(inner, target)
			return
		}
	}

	// Drain through ProcessOutgoingTun rather than writing inner
	// directly: §4.8's literal dispatch names process_outgoing_tun as
	// the two-phase call for this branch, mirroring the
	// ProcessIncomingTun/ProcessOutgoingLink pairing already used for
	// peer-to-peer and broadcast delivery.
	out, err := ci.Context.ProcessOutgoingTun()
	if err != nil || out == nil {
		return
	}
	c.enqueueToTun(out)
}

// handleTunRead implements §4.8's "read from TUN" dispatch: extract
// the inner addresses, classify the destination, and either broadcast
// or forward peer-to-peer; traffic destined off-tunnel is dropped.
func (c *Context) handleTunRead(frame []byte) {
	_, dst, class, err := addr.ExtractFromFrame(c.tunnelType, frame)
	if err != nil {
		// A frame read from the local TUN device has no owning peer
		// instance to attribute the error to, so per §7's "else logged
		// at the loop level" it's tallied on the Context instead of a
		// ClientInstance.
		atomic.AddUint64(&c.tunPacketErrors, 1)
		logrus.Debugf("malformed frame read from tun: %v", err)
		return
	}

	switch class {
	case addr.ClassBroadcast, addr.ClassMulticast, addr.ClassIGMP:
		c.broadcast(frame, nil)
		return
	}

	if !c.cfg.EnableC2C {
		return
	}
	target := c.routes.Lookup(dst)
	if target == nil {
		return // destined off-tunnel; nothing reaches it
	}
	c.forwardToPeer(frame, target)
}

// learn implements §4.8's learning rule: any source address other
// than the none variant and the server's local inner address becomes
// (or refreshes) a cached, ageable host route to its originating
// instance. The source is not checked for being unicast or for lying
// in a reserved range.
func (c *Context) learn(src addr.InnerAddr, ci *instance.ClientInstance, now time.Time) {
	if src.Variant == addr.VariantNone {
		return
	}
	if c.hasLocalInner && src.Equal(c.localInnerAddr) {
		return
	}
	c.routes.InsertHost(src, ci, routing.FlagCache|routing.FlagAgeable, now)
}

// forwardToPeer encrypts frame for target and enqueues it on the
// link, draining whatever the pipeline staged via
// ProcessOutgoingLink.
func (c *Context) forwardToPeer(frame []byte, target *instance.ClientInstance) {
	if target.Halt || target.Context == nil {
		return
	}
	if _, action, err := target.Context.ProcessIncomingTun(frame); !c.handleAction(target, action, err) {
		return
	}
	out, err := target.Context.ProcessOutgoingLink()
	if err != nil || out == nil {
		return
	}
	c.sendOrDefer(target, out)
}

// enqueueToTun writes a decrypted inner frame to the virtual
// interface. Per §5's ordering guarantee, frames from one peer are
// written in the order they were decrypted because the loop processes
// one event to completion before servicing the next.
func (c *Context) enqueueToTun(frame []byte) {
	if c.tunDev == nil {
		return
	}
	if _, err := c.tunDev.Write(frame); err != nil {
		logrus.Warnf("tun write failed: %v", err)
	}
}

// sendOrDefer writes buf to ci's real address; on a would-block
// condition (stream mode) it is pushed onto the per-instance deferred
// queue instead, per §4.6.
func (c *Context) sendOrDefer(ci *instance.ClientInstance, buf []byte) {
	if ci.TCPDeferred.Len() == 0 {
		if err := c.transport.SendTo(buf, ci.Real); err == nil {
			atomic.AddUint64(&ci.BytesOut, uint64(len(buf)))
			return
		}
	}
	if !ci.TCPDeferred.Push(buf) {
		atomic.AddUint64(&c.dropOverflowCount, 1)
		logrus.Warnf("instance %d: deferred queue overflow, halting", ci.ID)
		c.closeInstance(ci)
		return
	}
	c.deferSet.Mark(ci.ID)
}

// handleAction translates a pipeline Action into the core's lifecycle
// response (§4.5) and reports whether the caller should keep
// processing this call's result.
func (c *Context) handleAction(ci *instance.ClientInstance, action cryptoctx.Action, err error) bool {
	switch action {
	case cryptoctx.ActionHardFail:
		logrus.Infof("instance %d: hard fail: %v", ci.ID, err)
		c.closeInstance(ci)
		return false
	case cryptoctx.ActionSoftReset:
		logrus.Debugf("instance %d: soft reset: %v", ci.ID, err)
		for !ci.TCPDeferred.Empty() {
			ci.TCPDeferred.Pop()
		}
		c.deferSet.Unmark(ci.ID)
		return false
	case cryptoctx.ActionRekeyRequested:
		logrus.Debugf("instance %d: rekey requested (advisory)", ci.ID)
		return true
	default:
		return err == nil
	}
}
