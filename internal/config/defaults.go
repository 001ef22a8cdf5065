package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout      = 15 * time.Second
	DefaultStabilityWindow     = 30 * time.Second
	DefaultNetworkPollInterval = 5 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultReadBufferSize      = 1000

	DefaultProbeTimeout  = 2 * time.Second
	DefaultProbeCount    = 5
	DefaultProbeInterval = 60 * time.Second
	DefaultMinProbeGap   = 5 * time.Second

	DefaultQueueBackend  = "memory"
	DefaultQueueCapacity = 1000

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultHealthPort = 8080
	DefaultHealthPath = "/healthz"
)

func (c *Config) applyDefaults() {
	// Link defaults
	if c.Link.ConnectTimeout == 0 {
		c.Link.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Link.StabilityWindow == 0 {
		c.Link.StabilityWindow = DefaultStabilityWindow
	}
	if c.Link.NetworkPollInterval == 0 {
		c.Link.NetworkPollInterval = DefaultNetworkPollInterval
	}
	if c.Link.HandshakeTimeout == 0 {
		c.Link.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Link.WriteTimeout == 0 {
		c.Link.WriteTimeout = DefaultWriteTimeout
	}
	if c.Link.ReadBufferSize == 0 {
		c.Link.ReadBufferSize = DefaultReadBufferSize
	}

	// Quality defaults
	if c.Quality.ProbeTimeout == 0 {
		c.Quality.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Quality.ProbeCount == 0 {
		c.Quality.ProbeCount = DefaultProbeCount
	}
	if c.Quality.Interval == 0 {
		c.Quality.Interval = DefaultProbeInterval
	}
	if c.Quality.MinProbeGap == 0 {
		c.Quality.MinProbeGap = DefaultMinProbeGap
	}

	// Queue defaults
	if c.Queue.Backend == "" {
		c.Queue.Backend = DefaultQueueBackend
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	applyDBDefaults(&c.Queue.Postgres)

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
