package config

import "time"

// Config is the root configuration for an edgelink instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Link     LinkConfig     `yaml:"link"`
	Quality  QualityConfig  `yaml:"quality"`
	Queue    QueueConfig    `yaml:"queue"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this edgelink instance.
type InstanceConfig struct {
	ID        string `yaml:"id"`
	SessionID string `yaml:"session_id"`
}

// LinkConfig holds Connection Manager settings.
type LinkConfig struct {
	Address             string        `yaml:"address"` // WebSocket URL (e.g., wss://relay.example.com/ws)
	Token               string        `yaml:"token"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	StabilityWindow     time.Duration `yaml:"stability_window"`
	NetworkPollInterval time.Duration `yaml:"network_poll_interval"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReadBufferSize      int           `yaml:"read_buffer_size"`
}

// QualityConfig holds Network Quality Estimator settings.
type QualityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`      // Minimal-response endpoint for latency probes
	ThroughputURL string        `yaml:"throughput_url"` // Small payload endpoint for throughput timing
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeCount    int           `yaml:"probe_count"`
	Interval      time.Duration `yaml:"interval"`
	MinProbeGap   time.Duration `yaml:"min_probe_gap"`

	// Strategies overrides reconnection parameters per quality tier,
	// keyed by tier name (excellent, good, fair, poor, bad). Zero fields
	// keep the built-in default for that tier.
	Strategies map[string]StrategyConfig `yaml:"strategies"`
}

// StrategyConfig overrides reconnection behaviour for one quality tier.
type StrategyConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// QueueConfig holds Offline Message Queue settings.
type QueueConfig struct {
	Backend  string   `yaml:"backend"` // "memory", "postgres", or "redis"
	Capacity int      `yaml:"capacity"`
	Postgres DBConfig `yaml:"postgres"`
	RedisURL string   `yaml:"redis_url"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health/stats HTTP endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
