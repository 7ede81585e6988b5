package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/manticore/manticore/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MANTICORE_"

// Config is the manticore configuration.
type Config struct {
	// Server configures the HTTP API and the control loop.
	Server ServerConfig `yaml:"server"`

	// Store selects and configures the KV store backend.
	Store StoreConfig `yaml:"store"`

	// Consul configures the service catalog, and the KV store when the
	// consul backend is selected.
	Consul ConsulConfig `yaml:"consul"`

	// Nomad configures the job scheduler and the core and HMI tasks.
	Nomad NomadConfig `yaml:"nomad"`

	// Capacity configures admission.
	Capacity CapacityConfig `yaml:"capacity"`

	// Proxy configures external routing.
	Proxy ProxyConfig `yaml:"proxy"`

	// WebSocket configures client connections.
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Journal configures the lifecycle event journal.
	Journal JournalConfig `yaml:"journal"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// ListenAddress is the host:port the API listens on.
	ListenAddress string `yaml:"listenAddress" validate:"required,hostname_port"`

	// ResyncInterval re-runs the waiting pass periodically. Zero disables it.
	ResyncInterval time.Duration `yaml:"resyncInterval" validate:"gte=0"`

	// JWTSecret is the HS256 key of user tokens. When set, user-scoped
	// routes require a token whose user_id claim names the user.
	JWTSecret string `yaml:"jwtSecret" validate:"omitempty,min=16"`
}

// StoreConfig selects the KV store.
type StoreConfig struct {
	// Backend is consul or sqlite.
	Backend string `yaml:"backend" validate:"required,oneof=consul sqlite"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`

	// PollInterval is how often SQLite watches poll.
	PollInterval time.Duration `yaml:"pollInterval" validate:"gte=0"`

	// KeyPrefix is the root of every manticore key.
	KeyPrefix string `yaml:"keyPrefix" validate:"required,excludesall=/"`
}

// ConsulConfig configures the Consul client.
type ConsulConfig struct {
	Address    string `yaml:"address" validate:"required"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`

	// WaitTime bounds a single blocking query.
	WaitTime time.Duration `yaml:"waitTime" validate:"gte=0"`
}

// NomadConfig configures the Nomad client and job specs.
type NomadConfig struct {
	Address     string   `yaml:"address" validate:"required"`
	Region      string   `yaml:"region"`
	Namespace   string   `yaml:"namespace"`
	Token       string   `yaml:"token"`
	Datacenters []string `yaml:"datacenters" validate:"min=1,dive,required"`

	Core TaskConfig `yaml:"core"`
	HMI  TaskConfig `yaml:"hmi"`
}

// TaskConfig describes one docker task.
type TaskConfig struct {
	Image    string            `yaml:"image" validate:"required"`
	CPU      int               `yaml:"cpu" validate:"gt=0"`
	MemoryMB int               `yaml:"memoryMB" validate:"gt=0"`
	Env      map[string]string `yaml:"env"`
}

// CapacityConfig configures admission.
type CapacityConfig struct {
	// MaxCores is the number of core jobs allowed to run at once.
	MaxCores int `yaml:"maxCores" validate:"gte=0"`

	// PolicyPaths are Rego files or directories replacing the built-in
	// admission policy.
	PolicyPaths []string `yaml:"policyPaths"`

	// WatchPolicies reloads PolicyPaths when they change.
	WatchPolicies bool `yaml:"watchPolicies"`
}

// ProxyConfig configures external routing.
type ProxyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Domain is the external domain user prefixes are served under.
	Domain string `yaml:"domain" validate:"required_if=Enabled true"`

	// HTTPPort is the external HTTP port.
	HTTPPort int `yaml:"httpPort" validate:"gt=0,lte=65535"`

	// TCPPortMin and TCPPortMax bound the external TCP ports handed to users.
	TCPPortMin int `yaml:"tcpPortMin" validate:"gt=0,lte=65535"`
	TCPPortMax int `yaml:"tcpPortMax" validate:"gtefield=TCPPortMin,lte=65535"`

	// OutputFile receives the rendered HAProxy configuration when set.
	OutputFile string `yaml:"outputFile"`
}

// WebSocketConfig configures client connections.
type WebSocketConfig struct {
	SendBuffer     int           `yaml:"sendBuffer" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" validate:"gt=0"`
	PingInterval   time.Duration `yaml:"pingInterval" validate:"gt=0,ltfield=PongTimeout"`
	PongTimeout    time.Duration `yaml:"pongTimeout" validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

// JournalConfig configures the event journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database holding the journal. With the sqlite
	// store backend it may be left empty to share the store database.
	Path string `yaml:"path"`
}

// Default returns the default configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddress:  ":4000",
			ResyncInterval: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "consul",
			Path:         "manticore.db",
			PollInterval: 500 * time.Millisecond,
			KeyPrefix:    "manticore",
		},
		Consul: ConsulConfig{
			Address:  "127.0.0.1:8500",
			WaitTime: 5 * time.Minute,
		},
		Nomad: NomadConfig{
			Address:     "http://127.0.0.1:4646",
			Region:      "global",
			Datacenters: []string{"dc1"},
			Core: TaskConfig{
				Image:    "smartdevicelink/manticore-sdl-core:latest",
				CPU:      100,
				MemoryMB: 128,
			},
			HMI: TaskConfig{
				Image:    "smartdevicelink/manticore-generic-hmi:latest",
				CPU:      100,
				MemoryMB: 128,
			},
		},
		Capacity: CapacityConfig{
			MaxCores: 10,
		},
		Proxy: ProxyConfig{
			HTTPPort:   80,
			TCPPortMin: 20000,
			TCPPortMax: 29999,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:   16,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Telemetry: *tel,
	}
}

// Load reads the configuration at path on top of the defaults, applies
// MANTICORE_* environment overrides and validates the result. An empty path
// loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// envOverrides maps environment variables, without EnvPrefix, to setters.
var envOverrides = map[string]func(c *Config, v string) error{
	"LISTEN_ADDRESS":  func(c *Config, v string) error { c.Server.ListenAddress = v; return nil },
	"JWT_SECRET":      func(c *Config, v string) error { c.Server.JWTSecret = v; return nil },
	"STORE_BACKEND":   func(c *Config, v string) error { c.Store.Backend = v; return nil },
	"STORE_PATH":      func(c *Config, v string) error { c.Store.Path = v; return nil },
	"KEY_PREFIX":      func(c *Config, v string) error { c.Store.KeyPrefix = v; return nil },
	"CONSUL_ADDRESS":  func(c *Config, v string) error { c.Consul.Address = v; return nil },
	"CONSUL_TOKEN":    func(c *Config, v string) error { c.Consul.Token = v; return nil },
	"NOMAD_ADDRESS":   func(c *Config, v string) error { c.Nomad.Address = v; return nil },
	"NOMAD_TOKEN":     func(c *Config, v string) error { c.Nomad.Token = v; return nil },
	"NOMAD_REGION":    func(c *Config, v string) error { c.Nomad.Region = v; return nil },
	"DATACENTERS":     func(c *Config, v string) error { c.Nomad.Datacenters = splitList(v); return nil },
	"CORE_IMAGE":      func(c *Config, v string) error { c.Nomad.Core.Image = v; return nil },
	"HMI_IMAGE":       func(c *Config, v string) error { c.Nomad.HMI.Image = v; return nil },
	"MAX_CORES":       func(c *Config, v string) error { return setInt(&c.Capacity.MaxCores, v) },
	"PROXY_ENABLED":   func(c *Config, v string) error { return setBool(&c.Proxy.Enabled, v) },
	"DOMAIN_NAME":     func(c *Config, v string) error { c.Proxy.Domain = v; return nil },
	"HTTP_PORT":       func(c *Config, v string) error { return setInt(&c.Proxy.HTTPPort, v) },
	"TCP_PORT_MIN":    func(c *Config, v string) error { return setInt(&c.Proxy.TCPPortMin, v) },
	"TCP_PORT_MAX":    func(c *Config, v string) error { return setInt(&c.Proxy.TCPPortMax, v) },
	"HAPROXY_OUTPUT":  func(c *Config, v string) error { c.Proxy.OutputFile = v; return nil },
	"JOURNAL_ENABLED": func(c *Config, v string) error { return setBool(&c.Journal.Enabled, v) },
	"JOURNAL_PATH":    func(c *Config, v string) error { c.Journal.Path = v; return nil },
	"LOG_LEVEL":       func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil },
	"LOG_FORMAT":      func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil },
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
