package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config groups the observability settings of a manticore replica.
type Config struct {
	ServiceName    string `yaml:"serviceName" validate:"required"`
	ServiceVersion string `yaml:"serviceVersion" validate:"required"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	// Level is a zerolog level name.
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`

	// Caller adds file:line to every entry.
	Caller bool `yaml:"caller"`

	// SampleBurst entries per second are always written; past the burst
	// only every SampleEvery-th entry is kept. Zero disables sampling.
	SampleBurst int `yaml:"sampleBurst" validate:"gte=0"`
	SampleEvery int `yaml:"sampleEvery" validate:"required_with=SampleBurst,gte=0"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	SamplingRate float64           `yaml:"samplingRate" validate:"gte=0,lte=1"`

	// BatchSize bounds the spans sent per export.
	BatchSize     int           `yaml:"batchSize" validate:"gt=0"`
	ExportTimeout time.Duration `yaml:"exportTimeout" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves Path on a dedicated listener. When empty the
	// registry is only exposed by the API server.
	ListenAddress string `yaml:"listenAddress" validate:"omitempty,hostname_port"`

	Path      string    `yaml:"path" validate:"omitempty,startswith=/"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Async delivers events from a background goroutine through a buffer
	// of BufferSize events. Synchronous delivery runs subscribers inside
	// Publish.
	Async      bool `yaml:"async"`
	BufferSize int  `yaml:"bufferSize" validate:"required_if=Async true,gte=0"`
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "manticore",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			SamplingRate:  1,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "manticore",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		Events: EventsConfig{
			Enabled:    true,
			Async:      true,
			BufferSize: 1024,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
