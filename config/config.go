// Package config loads the on-disk TOML configuration for a sreto daemon:
// local identity, known peer addresses, and the tunables for the backoff,
// reliability and transfer subsystems. Grounded on the teacher's
// config/config.go (a BurntSushi/toml decode of a flat struct), generalized
// from VPN network/peer bookkeeping to the routing core's own settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"sreto/backoff"
	"sreto/reliability"
)

// Config is the full daemon configuration: backoff timer settings,
// reconnect delays, the transfer chunk size, plus identity and known-peer
// bookkeeping.
type Config struct {
	Identity    Identity          `toml:"identity"`
	Peers       []Peer            `toml:"peers"`
	Transport   TransportConfig   `toml:"transport"`
	Backoff     BackoffConfig     `toml:"backoff"`
	Reliability ReliabilityConfig `toml:"reliability"`
	Transfer    TransferConfig    `toml:"transfer"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Control     ControlConfig     `toml:"control"`
}

// TransportConfig configures the concrete transport.Module cmd/sretod
// constructs — the illustrative QUIC one in transport/quicaddr.go.
type TransportConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// Identity names the local peer.
type Identity struct {
	// PeerID is the canonical-UUID-string form of this node's
	// peerid.Identifier. Empty means cmd/sretod generates a fresh one at
	// startup and logs it; the generated value is not written back to the
	// config file.
	PeerID string `toml:"peer_id"`
}

// Peer is a statically known remote peer and the address to dial it at.
// The address syntax is transport-specific; cmd/sretod hands it to the
// configured transport.Module unparsed.
type Peer struct {
	Name    string `toml:"name"`
	PeerID  string `toml:"peer_id"`
	Address string `toml:"address"`
}

// BackoffConfig maps directly onto backoff.Settings.
type BackoffConfig struct {
	InitialDelay  Duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	MaximumDelay  Duration `toml:"maximum_delay"`
}

// Settings converts the parsed config into backoff.Settings, applying
// defaults for non-positive delays and for a backoff factor of 1 or less.
func (c BackoffConfig) Settings() backoff.Settings {
	s := backoff.Settings{
		InitialDelay:  time.Duration(c.InitialDelay),
		BackoffFactor: c.BackoffFactor,
		MaximumDelay:  time.Duration(c.MaximumDelay),
	}
	if s.InitialDelay <= 0 {
		s.InitialDelay = time.Second
	}
	if s.BackoffFactor <= 1 {
		s.BackoffFactor = 2
	}
	if s.MaximumDelay <= 0 {
		s.MaximumDelay = 60 * time.Second
	}
	return s
}

// ReliabilityConfig maps onto reliability.ReconnectDelays.
type ReliabilityConfig struct {
	ShortDelay   Duration `toml:"short_delay"`
	RegularDelay Duration `toml:"regular_delay"`
}

// Delays converts the parsed config into reliability.ReconnectDelays,
// applying reliability.DefaultReconnectDelays for zero fields.
func (c ReliabilityConfig) Delays() reliability.ReconnectDelays {
	defaults := reliability.DefaultReconnectDelays()
	d := reliability.ReconnectDelays{
		Short:   time.Duration(c.ShortDelay),
		Regular: time.Duration(c.RegularDelay),
	}
	if d.Short <= 0 {
		d.Short = defaults.Short
	}
	if d.Regular <= 0 {
		d.Regular = defaults.Regular
	}
	return d
}

// TransferConfig carries the Transfer engine's chunk size.
type TransferConfig struct {
	ChunkSizeBytes int `toml:"chunk_size_bytes"`
}

// MetricsConfig configures the Prometheus HTTP exporter.
type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// ControlConfig configures the operator control socket.
type ControlConfig struct {
	SocketPath string `toml:"socket_path"`
}

// Duration parses TOML string durations ("5s", "2m") via time.ParseDuration,
// the same convention the rest of the retrieval pack uses for humane
// duration config fields.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
