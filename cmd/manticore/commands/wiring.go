package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/config"
	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/providers/consul"
	"github.com/manticore/manticore/pkg/providers/nomad"
	"github.com/manticore/manticore/pkg/stores"
	"github.com/manticore/manticore/pkg/transports/websocket"
)

// resolveConfigPath returns the --config flag or MANTICORE_CONFIG.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("MANTICORE_CONFIG")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// backend is the opened KV store plus the handles serve needs beyond the
// engine.Store interface.
type backend struct {
	store  engine.Store
	sqlite *stores.SQLiteStore
	consul *consul.Client
}

func (b *backend) Close() error {
	if b.sqlite != nil {
		return b.sqlite.Close()
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	client, err := consul.NewClient(consulConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	b := &backend{consul: client}

	switch cfg.Store.Backend {
	case "consul":
		b.store = client
	case "sqlite":
		db, err := openSQLite(ctx, cfg.Store.Path, cfg, logger)
		if err != nil {
			return nil, err
		}
		b.sqlite = db
		b.store = db
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return b, nil
}

func openSQLite(ctx context.Context, path string, cfg *config.Config, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	db, err := stores.NewSQLiteStore(stores.Config{
		Path:         path,
		PollInterval: cfg.Store.PollInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func keyspace(cfg *config.Config) engine.Keyspace {
	return engine.NewKeyspace(cfg.Store.KeyPrefix)
}

func consulConfig(cfg *config.Config) consul.Config {
	return consul.Config{
		Address:    cfg.Consul.Address,
		Datacenter: cfg.Consul.Datacenter,
		Token:      cfg.Consul.Token,
		WaitTime:   cfg.Consul.WaitTime,
	}
}

func nomadConfig(cfg *config.Config) nomad.Config {
	task := func(t config.TaskConfig) nomad.TaskConfig {
		return nomad.TaskConfig{Image: t.Image, CPU: t.CPU, MemoryMB: t.MemoryMB, Env: t.Env}
	}
	return nomad.Config{
		Address:     cfg.Nomad.Address,
		Region:      cfg.Nomad.Region,
		Namespace:   cfg.Nomad.Namespace,
		Token:       cfg.Nomad.Token,
		Datacenters: cfg.Nomad.Datacenters,
		Core:        task(cfg.Nomad.Core),
		HMI:         task(cfg.Nomad.HMI),
	}
}

func websocketConfig(cfg *config.Config) websocket.Config {
	return websocket.Config{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongTimeout:    cfg.WebSocket.PongTimeout,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}
}

func portRange(cfg *config.Config) engine.PortRange {
	return engine.PortRange{Min: cfg.Proxy.TCPPortMin, Max: cfg.Proxy.TCPPortMax}
}

func addressing(cfg *config.Config) engine.Addressing {
	return engine.Addressing{
		ProxyEnabled: cfg.Proxy.Enabled,
		Domain:       cfg.Proxy.Domain,
		HTTPPort:     cfg.Proxy.HTTPPort,
	}
}
