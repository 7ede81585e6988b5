package consul

import (
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Config holds Consul connection settings.
type Config struct {
	Address    string
	Datacenter string
	Token      string

	// WaitTime bounds a single blocking query.
	WaitTime time.Duration
}

const defaultWaitTime = 5 * time.Minute

// Client is a Consul-backed engine.Store and engine.Catalog.
type Client struct {
	api      *api.Client
	waitTime time.Duration
	logger   zerolog.Logger
}

// NewClient creates a Consul client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	waitTime := cfg.WaitTime
	if waitTime == 0 {
		waitTime = defaultWaitTime
	}

	return &Client{
		api:      client,
		waitTime: waitTime,
		logger:   logger.With().Str("component", "consul").Logger(),
	}, nil
}

// Leader returns the address of the cluster leader, used as a health check.
func (c *Client) Leader() (string, error) {
	return c.api.Status().Leader()
}
