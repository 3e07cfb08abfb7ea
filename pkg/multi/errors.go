package multi

import (
	"github.com/fknittel/openvpn/pkg/pool"
	"github.com/pkg/errors"
)

var (
	errInvalidLocalInnerAddr = errors.New("local_inner_addr is not a valid IP address")
	errMaxClients            = errors.New("max_clients reached, refusing new instance")
	errUnknownPeer           = errors.New("no key lookup result for real address")
	errPoolExhausted         = pool.ErrExhausted
)
