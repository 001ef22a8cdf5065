package config

import (
	"errors"
	"fmt"

	"github.com/medbridge/edgelink/internal/netquality"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Link.Address == "" {
		return errors.New("link.address is required")
	}
	if c.Link.ConnectTimeout <= 0 {
		return errors.New("link.connect_timeout must be > 0")
	}
	if c.Link.ReadBufferSize < 1 {
		return errors.New("link.read_buffer_size must be >= 1")
	}

	if c.Quality.ProbeURL == "" {
		return errors.New("quality.probe_url is required")
	}
	if c.Quality.ProbeCount < 1 {
		return errors.New("quality.probe_count must be >= 1")
	}
	for tier, s := range c.Quality.Strategies {
		if _, err := netquality.ParseTier(tier); err != nil {
			return fmt.Errorf("quality.strategies: %w", err)
		}
		if s.MaxAttempts < 0 || s.InitialDelay < 0 || s.MaxDelay < 0 ||
			s.BackoffFactor < 0 || s.HeartbeatInterval < 0 || s.HeartbeatTimeout < 0 {
			return fmt.Errorf("quality.strategies.%s: values must be >= 0", tier)
		}
	}

	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if err := c.Queue.Postgres.validate("queue.postgres"); err != nil {
			return err
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			return errors.New("queue.redis_url is required for redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, postgres, redis; got %q", c.Queue.Backend)
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
