// Package serverconfig loads the exhaustive server configuration
// enumerated in §6 from a TOML file, grounded on the teacher's
// pkg/config/config.go Default*Config idiom (a struct of defaults
// overridden field-by-field by whatever the file sets) but
// re-expressed against github.com/BurntSushi/toml, the config library
// used across the retrieved Qedr1-l3gover and hop-proto-hop-go
// examples, rather than the teacher's own hand-rolled JSON.
package serverconfig

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is every recognized server option from §6.
type Config struct {
	MaxClients    int  `toml:"max_clients"`
	TCPQueueLimit int  `toml:"tcp_queue_limit"`
	EnableC2C     bool `toml:"enable_c2c"`

	MrouteAgeableTTLSecs int `toml:"mroute_ageable_ttl_secs"`
	ReapMaxWakeupSecs    int `toml:"reap_max_wakeup_secs"`
	ReapDivisor          int `toml:"reap_divisor"`
	ReapMin              int `toml:"reap_min"`
	ReapMax              int `toml:"reap_max"`

	StatusFileVersion int    `toml:"status_file_version"`
	StatusFilePath    string `toml:"status_file_path"`

	LocalInnerAddr string `toml:"local_inner_addr"`

	ListenAddr   string `toml:"listen_addr"`
	Transport    string `toml:"transport"` // "udp" or "tcp"
	TUNName      string `toml:"tun_name"`
	TUNCIDR      string `toml:"tun_cidr"`
	TUNMTU       int    `toml:"tun_mtu"`
	PoolCIDR     string `toml:"pool_cidr"`
	PoolSaveFile string `toml:"pool_save_file"`
	PeersFile    string `toml:"peers_file"`
	LocalKeyFile string `toml:"local_key_file"`

	// IdleTimeoutSecs is the idle_for duration applied when the server
	// receives SIGUSR1's soft "close idle clients" signal (§4.9).
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// Default returns the baseline configuration applied before a TOML
// file's values are merged in, mirroring the teacher's
// DefaultServerConfig constructor.
func Default() Config {
	return Config{
		MaxClients:           1024,
		TCPQueueLimit:        64,
		EnableC2C:            false,
		MrouteAgeableTTLSecs: 60,
		ReapMaxWakeupSecs:    10,
		ReapDivisor:          256,
		ReapMin:              16,
		ReapMax:              1024,
		StatusFileVersion:    3,
		StatusFilePath:       "/var/run/openvpn-status.log",
		Transport:            "udp",
		TUNName:              "tun0",
		TUNMTU:               1500,
		IdleTimeoutSecs:      600,
	}
}

// IdleTimeout is IdleTimeoutSecs as a time.Duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// MrouteAgeableTTL is MrouteAgeableTTLSecs as a time.Duration.
func (c Config) MrouteAgeableTTL() time.Duration {
	return time.Duration(c.MrouteAgeableTTLSecs) * time.Second
}

// ReapMaxWakeup is ReapMaxWakeupSecs as a time.Duration.
func (c Config) ReapMaxWakeup() time.Duration {
	return time.Duration(c.ReapMaxWakeupSecs) * time.Second
}

// Load reads path, merging its values onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decode %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.MaxClients <= 0 {
		return errors.New("max_clients must be positive")
	}
	if c.StatusFileVersion < 1 || c.StatusFileVersion > 3 {
		return errors.New("status_file_version must be 1, 2, or 3")
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.PoolCIDR == "" {
		return errors.New("pool_cidr is required")
	}
	return nil
}
