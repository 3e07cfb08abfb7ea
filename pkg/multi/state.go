// State transitions for the per-ClientInstance state machine (§4.9):
// Unassigned -> Authenticating -> Established -> Halting -> freed.
package multi

import (
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/instance"
	"github.com/fknittel/openvpn/pkg/routing"
	"github.com/sirupsen/logrus"
)

// initialWakeup is how long after creation the loop first calls a new
// instance's PreSelect; from then on the instance is rescheduled at
// whatever time PreSelect reports. The loop does not close an instance
// for inactivity when this timer fires.
const initialWakeup = 60 * time.Second

// resolveInstance looks up the live instance for a real address,
// creating one (subject to max_clients and the key lookup succeeding)
// if none exists yet — create_instance, §4.2.
func (c *Context) resolveInstance(real addr.OuterAddr) (*instance.ClientInstance, error) {
	if ci := c.registry.LookupReal(real); ci != nil {
		return ci, nil
	}

	if c.registry.Len() >= c.cfg.MaxClients {
		return nil, errMaxClients
	}

	peerPub, identity, ok := c.lookupKey(real)
	if !ok {
		return nil, errUnknownPeer
	}

	now := time.Now()
	ci := c.registry.CreateInstance(real, now)
	ci.TCPDeferred.SetLimit(c.cfg.TCPQueueLimit)
	ci.MsgPrefix = identity

	pctx, err := cryptoctx.NewPeerContext(c.localKey, peerPub, identity)
	if err != nil {
		c.registry.CloseInstance(ci)
		return nil, err
	}
	ci.Context = pctx
	ci.DidOpenContext = true

	vaddr, err := c.addrPool.Allocate(identity)
	if err != nil {
		c.registry.CloseInstance(ci)
		return nil, err
	}
	c.registry.AttachVAddr(ci, vaddr)
	// The client's own assigned address must resolve immediately, not
	// only after its first learned packet, so the very first frame
	// addressed to it routes correctly (mirrors the original's
	// multi_assign_virtual_addr behavior of eagerly adding the pushed
	// address as a host route).
	c.routes.InsertHost(vaddr, ci, routing.FlagCache, now)

	if c.lookupIroute != nil {
		if prefixes := c.lookupIroute(identity); len(prefixes) > 0 {
			for _, prefix := range prefixes {
				c.routes.InsertIroute(prefix, ci, now)
			}
			// ci.Iroutes alone (not DidIroutes, already owned by
			// AttachVAddr's by-vaddr-view flag above) records that
			// closeInstance has CIDR routes of its own to remove.
			ci.Iroutes = prefixes
			logrus.Debugf("instance %d (%s): registered %d iroute(s)", ci.ID, identity, len(prefixes))
		}
	}

	c.sched.Insert(ci, now.Add(initialWakeup))
	logrus.Infof("instance %d (%s) created for %s, assigned %s", ci.ID, identity, real, vaddr)
	return ci, nil
}

// advanceState moves ci forward to at least want, never backward —
// §4.9 only specifies forward transitions plus the any-state-to-
// Halting transition handled separately by closeInstance.
func (c *Context) advanceState(ci *instance.ClientInstance, want instance.State) {
	if ci.State >= want {
		return
	}
	ci.State = want
	if want == instance.StateEstablished {
		ci.ConnectionEstablished = true
	}
}
