package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Telemetry bundles the observability components of one replica.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{
		Config:  cfg,
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromContext returns the Telemetry stored in ctx, or nil.
func FromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer starts the dedicated metrics listener, if configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown drains pending events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// RecordCollaboratorCall runs fn inside a collaborator span and observes its
// latency when ctx carries a Telemetry. Without one fn runs unobserved.
func RecordCollaboratorCall(ctx context.Context, collaborator, operation string, fn func(ctx context.Context) error) error {
	t := FromContext(ctx)
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.Tracer.StartCollaboratorSpan(ctx, collaborator, operation)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	t.Metrics.ObserveCollaboratorCall(collaborator, operation, time.Since(start), err != nil)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
