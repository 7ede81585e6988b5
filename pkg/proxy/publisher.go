package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

const maxCASAttempts = 5

// Config holds proxy publishing settings.
type Config struct {
	Domain   string
	HTTPPort int

	// OutputFile, when set, receives the rendered HAProxy configuration.
	OutputFile string
}

// Publisher implements engine.ProxyUpdater on top of the KV store.
type Publisher struct {
	store  engine.Store
	key    string
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex
}

var _ engine.ProxyUpdater = (*Publisher)(nil)

// NewPublisher creates a proxy publisher writing under keys.Proxy().
func NewPublisher(store engine.Store, keys engine.Keyspace, cfg Config, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		key:    DataKey(keys),
		cfg:    cfg,
		logger: logger.With().Str("component", "proxy").Logger(),
	}
}

// DataKey is the key holding the published routing data.
func DataKey(keys engine.Keyspace) string {
	return keys.Proxy() + "data"
}

// UpdatePairs replaces every user route.
func (p *Publisher) UpdatePairs(ctx context.Context, pairs []engine.Pair) error {
	return p.update(ctx, func(d *Data) { d.SetPairs(pairs) })
}

// UpdateWebApps replaces the control-plane backends.
func (p *Publisher) UpdateWebApps(ctx context.Context, addresses []string) error {
	return p.update(ctx, func(d *Data) { d.SetWebApps(addresses) })
}

// Current returns the published routing data.
func (p *Publisher) Current(ctx context.Context) (*Data, error) {
	raw, _, err := p.store.GetIndexed(ctx, p.key)
	if err != nil {
		return nil, err
	}
	return ParseData(raw)
}

func (p *Publisher) update(ctx context.Context, mutate func(d *Data)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, index, err := p.store.GetIndexed(ctx, p.key)
		if err != nil {
			return err
		}

		data, err := ParseData(raw)
		if err != nil {
			p.logger.Warn().Err(err).Msg("replacing malformed proxy data")
		}
		mutate(data)
		data.Domain = p.cfg.Domain
		data.MainPort = p.cfg.HTTPPort

		encoded, err := data.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode proxy data: %w", err)
		}
		if raw != nil && bytes.Equal(raw, encoded) {
			return p.writeFile(data)
		}

		ok, err := p.store.CompareAndSwap(ctx, p.key, encoded, index)
		if err != nil {
			return err
		}
		if ok {
			p.logger.Debug().
				Int("http_routes", len(data.HTTPRoutes)).
				Int("tcp_routes", len(data.TCPRoutes)).
				Int("web_apps", len(data.WebApps)).
				Msg("proxy data published")
			return p.writeFile(data)
		}
	}
	return engine.NewConflictError("proxy data kept changing concurrently", nil).
		WithResource(p.key).WithOperation("publish")
}

// writeFile renders data to the output file, replacing it atomically.
// An unchanged file is left alone.
func (p *Publisher) writeFile(data *Data) error {
	if p.cfg.OutputFile == "" {
		return nil
	}

	rendered, err := Render(data)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(p.cfg.OutputFile); err == nil && bytes.Equal(existing, rendered) {
		return nil
	}

	dir := filepath.Dir(p.cfg.OutputFile)
	tmp, err := os.CreateTemp(dir, ".haproxy-*.cfg")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(rendered); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.cfg.OutputFile); err != nil {
		return fmt.Errorf("failed to replace haproxy config: %w", err)
	}

	p.logger.Info().Str("path", p.cfg.OutputFile).Msg("haproxy config written")
	return nil
}
