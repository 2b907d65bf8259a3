package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLUSTER_BOOTSTRAP_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.ListenAddr != ":8000" {
		t.Errorf("listen addr = %s", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.FreshFor != 15*time.Second || cfg.StaleFor != 90*time.Second {
		t.Errorf("staleness bands = %s/%s", cfg.FreshFor, cfg.StaleFor)
	}
	// Handshake timeout defaults to the heartbeat interval.
	if cfg.HandshakeTimeout != cfg.HeartbeatInterval {
		t.Errorf("handshake timeout = %s, want %s", cfg.HandshakeTimeout, cfg.HeartbeatInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLUSTER_BOOTSTRAP_TOKEN", "secret")
	t.Setenv("CLUSTER_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("CLUSTER_MAX_AGENTS_PER_POOL", "3")
	t.Setenv("CLUSTER_LOG_JSON", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxAgentsPerPool != 3 {
		t.Errorf("max agents per pool = %d", cfg.MaxAgentsPerPool)
	}
	if cfg.LogJSON {
		t.Error("log json = true, want false")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	data := []byte("listen_addr: \":9000\"\nmax_agents_per_pool: 7\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CLUSTER_BOOTSTRAP_TOKEN", "secret")
	t.Setenv("CLUSTER_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %s, want :9000 from overlay", cfg.ListenAddr)
	}
	if cfg.MaxAgentsPerPool != 7 {
		t.Errorf("max agents per pool = %d, want 7 from overlay", cfg.MaxAgentsPerPool)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bootstrap token", func(c *Config) { c.BootstrapToken = "" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"inverted staleness bands", func(c *Config) { c.StaleFor = c.FreshFor / 2 }},
		{"zero pool capacity", func(c *Config) { c.MaxAgentsPerPool = 0 }},
		{"zero queue depth", func(c *Config) { c.SendQueueDepth = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				BootstrapToken:    "secret",
				HeartbeatInterval: 5 * time.Second,
				FreshFor:          15 * time.Second,
				StaleFor:          90 * time.Second,
				MaxAgentsPerPool:  10,
				SendQueueDepth:    64,
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
