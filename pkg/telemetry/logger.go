package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process root logger. Packages log through the zerolog
// event API on the value returned by Zerolog.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

type loggerKey struct{}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output: %w", err)
		}
		out, closer = f, f
	}

	l, err := NewLoggerWithWriter(cfg, out)
	if err != nil {
		return nil, err
	}
	l.closer = closer
	return l, nil
}

// NewLoggerWithWriter builds a logger writing to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	zl := ctx.Logger()

	if cfg.SampleBurst > 0 {
		zl = zl.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SampleBurst),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SampleEvery)},
		})
	}

	return &Logger{zl: zl}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// ForUser returns a child logger tagged with user_id.
func (l *Logger) ForUser(id string) *Logger {
	return &Logger{zl: l.zl.With().Str("user_id", id).Logger()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger stored in ctx, or a Nop logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
