package multi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fknittel/openvpn/pkg/instance"
	"github.com/fknittel/openvpn/pkg/wire"
	"github.com/sirupsen/logrus"
)

// maxReapWakeup is the REAP_MAX_WAKEUP default (§4.4, §4.7): the
// wait cap the event loop uses when reap_max_wakeup_secs is not
// positive, so per-second housekeeping and the reaper still run even
// with an empty scheduler.
const maxReapWakeup = 10 * time.Second

// Run drives the event loop (§4.8) until ctx is cancelled. A
// cancelled ctx is treated as a TERM signal: no new instances are
// accepted and every established instance is closed, then Run keeps
// looping until the registry holds no instances before returning.
func (c *Context) Run(ctx context.Context) error {
	logrus.Info("event loop starting")
	for {
		select {
		case <-ctx.Done():
			if !c.draining {
				logrus.Info("received shutdown signal, draining instances")
				c.drainAll()
			}
		default:
		}

		if c.runTick(ctx) {
			return nil
		}

		if c.draining && c.registry.Len() == 0 {
			logrus.Info("drain complete, event loop exiting")
			return nil
		}
	}
}

// runTick waits for the next ready source (or the scheduler's next
// wake-up, whichever comes first), dispatches it, and runs the
// per-tick housekeeping. It reports true when Run should return,
// either because the transport closed or because shutdown has fully
// drained.
func (c *Context) runTick(ctx context.Context) bool {
	timeout := c.nextTimeout()

	var (
		haveLink, haveTun bool
		linkEv            wire.LinkEvent
		tunFrame          []byte
	)

	select {
	case ev, ok := <-c.transport.Events():
		if !ok {
			return true
		}
		haveLink, linkEv = true, ev
	case frame, ok := <-c.tunEvents:
		if !ok {
			c.tunEvents = nil
		} else {
			haveTun, tunFrame = true, frame
		}
	case <-time.After(timeout):
	case <-ctx.Done():
		if c.draining && c.registry.Len() == 0 {
			logrus.Info("drain complete, event loop exiting")
			return true
		}
	}

	// Opportunistically pick up whichever source the first select
	// didn't land on, without blocking: this is what lets the
	// io_order_toggle (§4.8 step 4) actually see dual-readiness instead
	// of only ever observing one source per tick. Neither branch here
	// discards a frame once it is off a channel — it is only ever added
	// to this tick's work, never dropped.
	if !haveLink {
		select {
		case ev, ok := <-c.transport.Events():
			if !ok {
				return true
			}
			haveLink, linkEv = true, ev
		default:
		}
	}
	if !haveTun && c.tunEvents != nil {
		select {
		case frame, ok := <-c.tunEvents:
			if !ok {
				c.tunEvents = nil
			} else {
				haveTun, tunFrame = true, frame
			}
		default:
		}
	}

	switch {
	case haveLink && haveTun:
		if c.linkBlockedForTun() {
			c.handleTunRead(tunFrame)
			c.handleLinkRead(linkEv.Data, linkEv.From)
		} else {
			c.handleLinkRead(linkEv.Data, linkEv.From)
			c.handleTunRead(tunFrame)
		}
	case haveLink:
		c.handleLinkRead(linkEv.Data, linkEv.From)
	case haveTun:
		c.handleTunRead(tunFrame)
	}

	c.flushDeferredWrites()
	c.wakeExpiredInstances(time.Now())
	c.runPerSecondHousekeeping(time.Now())
	return false
}

// nextTimeout computes the wait bound for the loop's select: the
// earliest scheduled wake-up, clamped to the configured
// reap_max_wakeup_secs (maxReapWakeup if that is not positive) so
// housekeeping always gets a turn even with nothing scheduled.
func (c *Context) nextTimeout() time.Duration {
	limit := c.cfg.ReapMaxWakeup()
	if limit <= 0 {
		limit = maxReapWakeup
	}
	_, wake, ok := c.sched.PeekEarliest()
	if !ok {
		return limit
	}
	d := wake.Sub(time.Now())
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

// linkBlockedForTun flips the alternating io_order_toggle (§4.8 step
// 4) and reports which source goes first this tick. Called only when
// both a link frame and a TUN frame are already dequeued for the same
// tick, so it only ever reorders two frames that are both going to be
// processed, never decides whether one of them is processed at all.
func (c *Context) linkBlockedForTun() bool {
	c.ioOrderToggle = !c.ioOrderToggle
	return c.ioOrderToggle
}

// wakeExpiredInstances pops every instance whose wakeup has elapsed
// and calls its pipeline's PreSelect, rescheduling it per the
// context's reported next wake time (§4.4, §4.5).
func (c *Context) wakeExpiredInstances(now time.Time) {
	for _, ci := range c.sched.PopExpired(now) {
		if ci.Halt {
			continue
		}
		if ci.Context == nil {
			continue
		}
		next, _, _ := ci.Context.PreSelect(now)
		if next.Before(now) {
			next = now.Add(maxReapWakeup)
		}
		c.sched.Insert(ci, next)
	}
}

// flushDeferredWrites drains the deferred-buffer set FIFO-across-
// instances (§4.6's multi_get_queue contract): one buffer is sent per
// pass so no single backlog monopolizes the loop.
func (c *Context) flushDeferredWrites() {
	id, ok := c.deferSet.Next()
	if !ok {
		return
	}
	ci, ok := c.registry.LookupByID(id)
	if !ok || ci.Halt {
		c.deferSet.Unmark(id)
		return
	}
	buf := ci.TCPDeferred.Pop()
	if buf == nil {
		c.deferSet.Unmark(id)
		return
	}
	if err := c.transport.SendTo(buf, ci.Real); err != nil {
		c.closeInstance(ci)
		return
	}
	atomic.AddUint64(&ci.BytesOut, uint64(len(buf)))
	if ci.TCPDeferred.Empty() {
		c.deferSet.Unmark(id)
	}
}

// runPerSecondHousekeeping runs multi_process_per_second_timers and
// one reaper pass, each at most once per wall second (§4.8 step 5).
func (c *Context) runPerSecondHousekeeping(now time.Time) {
	if now.Sub(c.lastPerSecond) < time.Second {
		return
	}
	c.lastPerSecond = now

	if c.reap.ShouldRun(now) {
		removed := c.reap.Sweep(c.routes, now)
		if removed > 0 {
			logrus.Debugf("reaper removed %d stale routes", removed)
		}
	}

	if c.statusCh != nil {
		select {
		case c.statusCh <- c.statusRows():
		default: // a stale snapshot is still sitting there; skip this tick
		}
	}
}

// drainAll marks every established instance halted, the hard-signal
// response in §4.8 step 6 / §7's TERM handling. Soft-signal handling
// (closing only idle instances) is exposed separately as CloseIdle.
func (c *Context) drainAll() {
	c.draining = true
	for _, ci := range c.registry.Iter() {
		c.closeInstance(ci)
	}
}

// CloseIdle implements the soft-signal response (USR1): close every
// instance that has not advanced its wakeup within idleFor, leaving
// active sessions alone.
func (c *Context) CloseIdle(now time.Time, idleFor time.Duration) {
	for _, ci := range c.registry.Iter() {
		if now.Sub(ci.Wakeup) >= idleFor {
			c.closeInstance(ci)
		}
	}
}

// closeInstance is the one place the loop tears an instance down: it
// removes the scheduler entry, the deferred-write mark, returns the
// virtual address to the pool, tells the transport to drop the peer's
// connection, and delegates to the registry's close_instance, per §4.2
// and the Halting→freed transition in §4.9.
func (c *Context) closeInstance(ci *instance.ClientInstance) {
	c.sched.Remove(ci)
	c.deferSet.Unmark(ci.ID)
	if ci.Context != nil {
		ci.Context.Close()
	}
	for _, prefix := range ci.Iroutes {
		c.routes.DeleteIroute(prefix)
	}
	ci.Iroutes = nil
	if !ci.Halt {
		c.addrPool.Release(ci.VAddr)
		c.transport.MarkReset(ci.Real)
	}
	c.registry.CloseInstance(ci)
}
