// Tunnel server daemon: opens the wire transport and the TUN device,
// builds the multi-client core, and runs it until signalled to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fknittel/openvpn/pkg/addr"
	"github.com/fknittel/openvpn/pkg/cryptoctx"
	"github.com/fknittel/openvpn/pkg/multi"
	"github.com/fknittel/openvpn/pkg/peerstore"
	"github.com/fknittel/openvpn/pkg/serverconfig"
	"github.com/fknittel/openvpn/pkg/status"
	"github.com/fknittel/openvpn/pkg/tun"
	"github.com/fknittel/openvpn/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Server wraps the running core plus the resources main is
// responsible for tearing down on exit.
type Server struct {
	core      *multi.Context
	transport wire.Transport
	tunDev    *tun.Device
	cfg       serverconfig.Config
}

// NewServer loads every dependency a Context needs (transport, TUN
// device, peer key store, local keypair) and builds the core.
func NewServer(cfg serverconfig.Config) (*Server, error) {
	var err error
	peers := &peerstore.Store{}
	if cfg.PeersFile != "" {
		peers, err = peerstore.Load(cfg.PeersFile)
		if err != nil {
			return nil, err
		}
	}

	localKey, err := cryptoctx.LoadOrGenerateKeyPair(cfg.LocalKeyFile)
	if err != nil {
		return nil, err
	}

	var transport wire.Transport
	if cfg.Transport == "tcp" {
		transport, err = wire.ListenTCP(cfg.ListenAddr)
	} else {
		transport, err = wire.ListenUDP(cfg.ListenAddr)
	}
	if err != nil {
		return nil, err
	}

	var tunDev *tun.Device
	if cfg.TUNName != "" {
		tunDev, err = tun.Open(cfg.TUNName)
		if err != nil {
			transport.Close()
			return nil, err
		}
		if cfg.TUNCIDR != "" {
			if err := tun.Configure(cfg.TUNName, cfg.TUNCIDR, cfg.TUNMTU); err != nil {
				transport.Close()
				tunDev.Close()
				return nil, err
			}
		}
	}

	lookup := func(real addr.OuterAddr) ([32]byte, string, bool) {
		return peers.LookupByHost(real.IP.String())
	}
	lookupIroute := peers.Iroutes

	core, err := multi.New(cfg, transport, tunDev, addr.TunnelTUN, localKey, lookup, lookupIroute)
	if err != nil {
		transport.Close()
		if tunDev != nil {
			tunDev.Close()
		}
		return nil, err
	}

	return &Server{core: core, transport: transport, tunDev: tunDev, cfg: cfg}, nil
}

// Run starts the status-file writer and drives the core event loop
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	logrus.Infof("listening on %s (%s)", s.cfg.ListenAddr, s.cfg.Transport)

	if s.cfg.StatusFilePath != "" {
		go s.writeStatusFile(s.core.EnableStatusUpdates())
	}

	return s.core.Run(ctx)
}

func (s *Server) writeStatusFile(updates <-chan []status.Row) {
	for rows := range updates {
		f, err := os.Create(s.cfg.StatusFilePath)
		if err != nil {
			logrus.Warnf("status file: %v", err)
			continue
		}
		err = status.Write(f, status.Version(s.cfg.StatusFileVersion), rows, time.Now())
		f.Close()
		if err != nil {
			logrus.Warnf("status file: %v", err)
		}
	}
}

// Shutdown closes the transport and TUN device after the event loop
// has drained.
func (s *Server) Shutdown() {
	s.transport.Close()
	if s.tunDev != nil {
		s.tunDev.Close()
	}
}

func main() {
	configPath := flag.String("config", "/etc/openvpn-go/server.toml", "path to server configuration")
	flag.Parse()

	cfg, err := serverconfig.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		logrus.Fatalf("start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGUSR1:
				logrus.Info("SIGUSR1 received, closing idle instances")
				srv.core.CloseIdle(time.Now(), cfg.IdleTimeout())
			default:
				logrus.Infof("%s received, draining", s)
				cancel()
				return
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logrus.Fatalf("event loop: %v", err)
	}
	srv.Shutdown()
	logrus.Info("server stopped")
}
