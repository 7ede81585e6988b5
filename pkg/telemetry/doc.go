// Package telemetry wires logging, tracing, metrics and lifecycle events
// for a manticore replica.
//
//	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Logging uses zerolog. Components receive a tagged child of the root
// logger:
//
//	logger := tel.Logger.Component("engine").Zerolog()
//
// Every reconciliation handler pass runs in a span named engine.<handler>.
// Store, catalog and scheduler calls wrapped in RecordCollaboratorCall
// become client child spans and feed the
// manticore_collaborator_call_duration_seconds histogram.
//
// Metrics are registered on a private Prometheus registry and served by
// the API server at /metrics, or on metrics.listenAddress when set. A nil
// or disabled *Metrics records nothing.
//
// Lifecycle events (request.submitted, user.enqueued, user.admitted,
// job.augmented, allocation.resolved, user.released, request.removed) are
// delivered to subscribers in publish order. A nil *EventPublisher drops
// them.
package telemetry
