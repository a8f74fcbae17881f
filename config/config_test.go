package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sreto.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesIdentityAndPeers(t *testing.T) {
	path := writeTempConfig(t, `
[identity]
peer_id = "11112222-3333-4444-5555-666677778899"

[transport]
listen_address = "0.0.0.0:51820"

[[peers]]
name = "alice"
peer_id = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
address = "tcp://10.0.0.1:9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.PeerID != "11112222-3333-4444-5555-666677778899" {
		t.Fatalf("unexpected identity: %+v", cfg.Identity)
	}
	if cfg.Transport.ListenAddress != "0.0.0.0:51820" {
		t.Fatalf("unexpected transport config: %+v", cfg.Transport)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "alice" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
}

func TestLoadParsesDurationsAndBackoffSettings(t *testing.T) {
	path := writeTempConfig(t, `
[backoff]
initial_delay = "500ms"
backoff_factor = 1.5
maximum_delay = "30s"

[reliability]
short_delay = "1s"
regular_delay = "5s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	settings := cfg.Backoff.Settings()
	if settings.InitialDelay != 500*time.Millisecond {
		t.Fatalf("expected 500ms initial delay, got %v", settings.InitialDelay)
	}
	if settings.BackoffFactor != 1.5 {
		t.Fatalf("expected factor 1.5, got %v", settings.BackoffFactor)
	}
	if settings.MaximumDelay != 30*time.Second {
		t.Fatalf("expected 30s maximum delay, got %v", settings.MaximumDelay)
	}

	delays := cfg.Reliability.Delays()
	if delays.Short != time.Second || delays.Regular != 5*time.Second {
		t.Fatalf("unexpected delays: %+v", delays)
	}
}

func TestBackoffSettingsDefaultsOnZeroValues(t *testing.T) {
	var c BackoffConfig
	s := c.Settings()
	if s.InitialDelay != time.Second || s.BackoffFactor != 2 || s.MaximumDelay != 60*time.Second {
		t.Fatalf("expected documented defaults, got %+v", s)
	}
}

func TestReliabilityDelaysDefaultsOnZeroValues(t *testing.T) {
	var c ReliabilityConfig
	d := c.Delays()
	if d.Short != 2*time.Second || d.Regular != 10*time.Second {
		t.Fatalf("expected reliability.DefaultReconnectDelays(), got %+v", d)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error loading a nonexistent file")
	}
}
