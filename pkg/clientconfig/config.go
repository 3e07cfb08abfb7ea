// Package clientconfig loads the client-side counterpart of
// pkg/serverconfig (§6): the handful of settings a single-peer client
// needs instead of the server's multi-client registry/pool/reaper
// settings. Same TOML idiom, mirroring the teacher's
// DefaultClientConfig/DefaultServerConfig pairing.
package clientconfig

import (
	"encoding/hex"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is every recognized client option.
type Config struct {
	ServerAddr string `toml:"server_addr"`
	Transport  string `toml:"transport"` // "udp" or "tcp"

	TUNName string `toml:"tun_name"`
	TUNCIDR string `toml:"tun_cidr"`
	TUNMTU  int    `toml:"tun_mtu"`

	LocalKeyFile string `toml:"local_key_file"`
	ServerPubKey string `toml:"server_public_key"` // hex-encoded, 32 bytes

	KeepaliveSecs int `toml:"keepalive_secs"`
}

// Default returns the baseline configuration, mirroring the teacher's
// DefaultClientConfig constants.
func Default() Config {
	return Config{
		Transport:     "udp",
		TUNName:       "tun0",
		TUNMTU:        1500,
		KeepaliveSecs: 25,
	}
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

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server_addr is required")
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	raw, err := hex.DecodeString(c.ServerPubKey)
	if err != nil {
		return errors.Wrap(err, "server_public_key is not valid hex")
	}
	if len(raw) != 32 {
		return errors.Errorf("server_public_key must be 32 bytes, got %d", len(raw))
	}
	return nil
}

// ServerPublicKey decodes ServerPubKey into its fixed-size form.
func (c Config) ServerPublicKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(c.ServerPubKey)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}
