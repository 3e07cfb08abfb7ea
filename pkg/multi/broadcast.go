package multi

import (
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/instance"
	"github.com/sirupsen/logrus"
)

// broadcast implements §4.10: deliver frame to every established peer
// other than src (nil when the frame originated at the local TUN),
// plus a copy to the local TUN when the frame did not originate
// there. A single peer's overflow is recorded and does not abort
// delivery to the others.
func (c *Context) broadcast(frame []byte, src *instance.ClientInstance) {
	if src != nil {
		c.enqueueToTun(frame)
	}

	for _, ci := range c.registry.Iter() {
		if ci == src || !ci.ConnectionEstablished {
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		c.deliverToPeer(cp, ci)
	}
}

// deliverToPeer is broadcast's per-destination delivery step: encrypt
// for ci and either send immediately or defer, exactly like
// forwardToPeer but never tearing the loop down on a single
// destination's failure.
func (c *Context) deliverToPeer(frame []byte, ci *instance.ClientInstance) {
	if ci.Context == nil {
		return
	}
	_, action, err := ci.Context.ProcessIncomingTun(frame)
	if action != cryptoctx.ActionOK {
		logrus.Debugf("instance %d: broadcast delivery action %v: %v", ci.ID, action, err)
		return
	}
	out, err := ci.Context.ProcessOutgoingLink()
	if err != nil || out == nil {
		return
	}
	c.sendOrDefer(ci, out)
}
