package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all clusterd configuration from environment variables, with
// an optional YAML overlay file (CLUSTER_CONFIG_FILE) applied on top.
type Config struct {
	// Listen
	ListenAddr string `yaml:"listen_addr"`

	// ExternalBaseURL is the ws:// or wss:// base URL daemons can reach the
	// cluster on. It parameterizes the pty_ws_url returned in
	// agent_register_ack; never hardcode localhost here.
	ExternalBaseURL string `yaml:"external_base_url"`

	// Control channel
	BootstrapToken    string        `yaml:"bootstrap_token"`    // required on /ws/daemon
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // advertised in register_ack
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`  // AWAIT_REG deadline; defaults to HeartbeatInterval
	MaxAgentsPerPool  int           `yaml:"max_agents_per_pool"`
	SendQueueDepth    int           `yaml:"send_queue_depth"` // per-channel outbound queue

	// Staleness bands (fresh < FreshFor, stale < StaleFor, else disconnected)
	FreshFor time.Duration `yaml:"fresh_for"`
	StaleFor time.Duration `yaml:"stale_for"`

	// SweepInterval drives the background staleness sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EventSendDeadline is how long Publish waits on a blocked event
	// subscriber before dropping it.
	EventSendDeadline time.Duration `yaml:"event_send_deadline"`

	// SessionTTL bounds issued operator and daemon session tokens.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// TelegramBotToken enables chat notifications for bound agents. Empty
	// means notifications go to the log only.
	TelegramBotToken string `yaml:"telegram_bot_token"`

	// Storage
	DBPath string `yaml:"db_path"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables with defaults, then
// applies the YAML overlay file if CLUSTER_CONFIG_FILE is set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envStr("CLUSTER_LISTEN_ADDR", ":8000"),
		ExternalBaseURL:   envStr("CLUSTER_EXTERNAL_BASE_URL", "ws://127.0.0.1:8000"),
		BootstrapToken:    envStr("CLUSTER_BOOTSTRAP_TOKEN", ""),
		HeartbeatInterval: envDuration("CLUSTER_HEARTBEAT_INTERVAL", 5*time.Second),
		HandshakeTimeout:  envDuration("CLUSTER_HANDSHAKE_TIMEOUT", 0),
		MaxAgentsPerPool:  envInt("CLUSTER_MAX_AGENTS_PER_POOL", 10),
		SendQueueDepth:    envInt("CLUSTER_SEND_QUEUE_DEPTH", 64),
		FreshFor:          envDuration("CLUSTER_FRESH_FOR", 15*time.Second),
		StaleFor:          envDuration("CLUSTER_STALE_FOR", 90*time.Second),
		SweepInterval:     envDuration("CLUSTER_SWEEP_INTERVAL", 30*time.Second),
		EventSendDeadline: envDuration("CLUSTER_EVENT_SEND_DEADLINE", time.Second),
		SessionTTL:        envDuration("CLUSTER_SESSION_TTL", 24*time.Hour),
		TelegramBotToken:  envStr("CLUSTER_TELEGRAM_BOT_TOKEN", ""),
		DBPath:            envStr("CLUSTER_DB_PATH", "/data/cluster.db"),
		LogJSON:           envBool("CLUSTER_LOG_JSON", true),
		LogLevel:          envStr("CLUSTER_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CLUSTER_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = cfg.HeartbeatInterval
	}
	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.BootstrapToken == "" {
		errs = append(errs, errors.New("CLUSTER_BOOTSTRAP_TOKEN must be set"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.FreshFor <= 0 || c.StaleFor <= c.FreshFor {
		errs = append(errs, fmt.Errorf("staleness bands must satisfy 0 < fresh_for < stale_for, got %s/%s", c.FreshFor, c.StaleFor))
	}
	if c.MaxAgentsPerPool <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_MAX_AGENTS_PER_POOL must be > 0, got %d", c.MaxAgentsPerPool))
	}
	if c.SendQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_SEND_QUEUE_DEPTH must be > 0, got %d", c.SendQueueDepth))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
