// Tunnel client: dials the server, drives the TUN device on one side
// and an encrypted socket on the other. No rendezvous/hole-punching or
// local proxy surface — the client dials the server's known address
// directly, matching the non-goal in §1.
package main

import (
	"encoding/hex"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fknittel/openvpn/pkg/clientconfig"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/tun"
	"github.com/fknittel/openvpn/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Client drives one tunnel session: a TUN device on one side, an
// encrypted socket to the server on the other.
type Client struct {
	conn     net.Conn
	ctx      *cryptoctx.PeerContext
	localKey *cryptoctx.KeyPair
	tunDev   *tun.Device
	stream   *wire.Reassembler // nil for udp
	isTCP    bool
	shutdown chan struct{}
}

// NewClient dials the server and opens the local TUN device.
func NewClient(cfg clientconfig.Config) (*Client, error) {
	network := "udp"
	if cfg.Transport == "tcp" {
		network = "tcp"
	}
	conn, err := net.Dial(network, cfg.ServerAddr)
	if err != nil {
		return nil, err
	}

	localKey, err := cryptoctx.LoadOrGenerateKeyPair(cfg.LocalKeyFile)
	if err != nil {
		conn.Close()
		return nil, err
	}
	serverPub, err := cfg.ServerPublicKey()
	if err != nil {
		conn.Close()
		return nil, err
	}
	pctx, err := cryptoctx.NewPeerContext(localKey, serverPub, "server")
	if err != nil {
		conn.Close()
		return nil, err
	}

	var tunDev *tun.Device
	if cfg.TUNName != "" {
		tunDev, err = tun.Open(cfg.TUNName)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if cfg.TUNCIDR != "" {
			if err := tun.Configure(cfg.TUNName, cfg.TUNCIDR, cfg.TUNMTU); err != nil {
				conn.Close()
				tunDev.Close()
				return nil, err
			}
		}
	}

	c := &Client{
		conn:     conn,
		ctx:      pctx,
		localKey: localKey,
		tunDev:   tunDev,
		isTCP:    cfg.Transport == "tcp",
		shutdown: make(chan struct{}),
	}
	if c.isTCP {
		c.stream = wire.NewReassembler()
	}
	return c, nil
}

// Run starts the read loops and blocks until Shutdown is called.
func (c *Client) Run(keepalive time.Duration) {
	logrus.Infof("connected to %s", c.conn.RemoteAddr())

	go c.linkReadLoop()
	if c.tunDev != nil {
		go c.tunReadLoop()
	}
	go c.keepaliveLoop(keepalive)

	<-c.shutdown
}

func (c *Client) linkReadLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			if c.isTCP {
				frames, _ := c.stream.Feed(buf[:n])
				for _, f := range frames {
					c.handleLinkFrame(f)
				}
			} else {
				c.handleLinkFrame(buf[:n])
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logrus.Warnf("link read: %v", err)
			return
		}
	}
}

func (c *Client) handleLinkFrame(frame []byte) {
	inner, action, err := c.ctx.ProcessIncomingLink(frame)
	if action != cryptoctx.ActionOK {
		logrus.Debugf("link frame rejected: %v", err)
		return
	}
	if len(inner) == 0 || c.tunDev == nil {
		return // empty payload: a keepalive, nothing to deliver
	}
	if _, err := c.tunDev.Write(inner); err != nil {
		logrus.Warnf("tun write: %v", err)
	}
}

func (c *Client) tunReadLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		n, err := c.tunDev.Read(buf)
		if err != nil {
			logrus.Warnf("tun read: %v", err)
			return
		}
		if n == 0 {
			time.Sleep(2 * time.Millisecond)
			continue
		}

		_, action, err := c.ctx.ProcessIncomingTun(buf[:n])
		if action != cryptoctx.ActionOK {
			logrus.Debugf("tun frame dropped by pipeline: %v", err)
			continue
		}
		out, err := c.ctx.ProcessOutgoingLink()
		if err != nil || out == nil {
			continue
		}
		c.sendFrame(out)
	}
}

func (c *Client) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			_, action, err := c.ctx.ProcessIncomingTun(nil)
			if action != cryptoctx.ActionOK {
				logrus.Debugf("keepalive encrypt failed: %v", err)
				continue
			}
			out, err := c.ctx.ProcessOutgoingLink()
			if err != nil || out == nil {
				continue
			}
			c.sendFrame(out)
		}
	}
}

func (c *Client) sendFrame(frame []byte) {
	if c.isTCP {
		frame = wire.EncodeFrame(frame)
	}
	if _, err := c.conn.Write(frame); err != nil {
		logrus.Warnf("link write: %v", err)
	}
}

// Shutdown tears down the client's connection and TUN device.
func (c *Client) Shutdown() {
	close(c.shutdown)
	c.conn.Close()
	if c.tunDev != nil {
		c.tunDev.Close()
	}
}

func main() {
	configPath := flag.String("config", "/etc/openvpn-go/client.toml", "path to client configuration")
	flag.Parse()

	cfg, err := clientconfig.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	client, err := NewClient(cfg)
	if err != nil {
		logrus.Fatalf("connect: %v", err)
	}
	logrus.Infof("local public key: %s", hex.EncodeToString(client.localKey.PublicKey[:]))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-sig
		logrus.Infof("%s received, shutting down", s)
		client.Shutdown()
	}()

	client.Run(time.Duration(cfg.KeepaliveSecs) * time.Second)
	logrus.Info("client stopped")
}
