package websocket

import (
	"fmt"
	"time"
)

// Config holds client connection settings.
type Config struct {
	// SendBuffer is the number of messages queued per connection. Messages
	// beyond it are dropped.
	SendBuffer int

	// WriteTimeout bounds a single write to a client.
	WriteTimeout time.Duration

	// PingInterval is how often idle connections are pinged.
	// Must be shorter than PongTimeout.
	PingInterval time.Duration

	// PongTimeout closes connections that stop answering pings.
	PongTimeout time.Duration

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   16,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got: %d", c.SendBuffer)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("ping interval %s must be positive and shorter than pong timeout %s", c.PingInterval, c.PongTimeout)
	}
	return nil
}
