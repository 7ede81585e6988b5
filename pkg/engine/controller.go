package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/manticore/manticore/pkg/telemetry"
)

// Handler names used for spans, metrics and logs.
const (
	HandlerRequests    = "requests"
	HandlerWaiting     = "waiting"
	HandlerAllocations = "allocations"
	HandlerServices    = "services"
	HandlerCoreService = "core_service"
	HandlerHMIService  = "hmi_service"
	HandlerWebApps     = "web_apps"
)

// Options configures a Controller. Store, Catalog, Scheduler and Probe are
// required; everything else is optional.
type Options struct {
	Store     Store
	Catalog   Catalog
	Scheduler Scheduler
	Probe     CapacityProbe

	// Proxy receives the full pair set and the web-app backends. Nil
	// disables proxy integration.
	Proxy ProxyUpdater

	// Notifier pushes positions and addresses to users. Nil disables it.
	Notifier Notifier

	Keys       Keyspace
	TCPPorts   PortRange
	Addressing Addressing

	// ResyncInterval re-runs the waiting pass periodically so capacity freed
	// outside the keyspace is noticed. Zero disables it.
	ResyncInterval time.Duration

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Controller is the watch dispatcher. It routes store and catalog
// notifications to the reconciliation handlers, each of which re-reads
// authoritative state and writes back derived state.
type Controller struct {
	store     Store
	catalog   Catalog
	scheduler Scheduler
	proxy     ProxyUpdater
	notifier  Notifier
	keys      Keyspace
	resync    time.Duration

	requests  *Requests
	jobs      *JobCoordinator
	resolver  *Resolver
	assembler *Assembler
	watches   *WatchSet
	watchWG   sync.WaitGroup

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// NewController wires a controller from opts.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Catalog == nil || opts.Scheduler == nil || opts.Probe == nil {
		return nil, NewInvariantError("store, catalog, scheduler and capacity probe are required", nil).
			WithOperation("new_controller")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "engine").Logger()

	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	keys := opts.Keys
	if keys.Root == "" {
		keys = DefaultKeyspace
	}

	requests := NewRequests(opts.Store, keys, opts.TCPPorts, logger, opts.Events)

	c := &Controller{
		store:     opts.Store,
		catalog:   opts.Catalog,
		scheduler: opts.Scheduler,
		proxy:     opts.Proxy,
		notifier:  opts.Notifier,
		keys:      keys,
		resync:    opts.ResyncInterval,
		requests:  requests,
		jobs:      NewJobCoordinator(opts.Scheduler, opts.Store, keys, opts.Probe, logger, opts.Metrics, opts.Events),
		resolver:  NewResolver(opts.Scheduler, opts.Catalog, opts.Store, keys, requests, logger),
		assembler: NewAssembler(opts.Store, keys, requests, opts.Proxy, opts.Notifier, opts.Addressing, logger, opts.Metrics),
		watches:   NewWatchSet(),
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    tracer,
		events:    opts.Events,
	}
	return c, nil
}

// Requests returns the request registry backing the controller.
func (c *Controller) Requests() *Requests { return c.requests }

// Keys returns the keyspace in use.
func (c *Controller) Keys() Keyspace { return c.keys }

// Run starts every watch and blocks until ctx is done or a watch fails.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Str("root", c.keys.Root).Msg("starting control loop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.store.Watch(gctx, c.keys.Requests(), func(ctx context.Context, keys []string) {
			c.dispatch(ctx, HandlerRequests, "", func(ctx context.Context) error {
				return c.handleRequests(ctx, keys)
			})
		})
	})
	g.Go(func() error {
		return c.store.Watch(gctx, c.keys.Waiting(), func(ctx context.Context, _ []string) {
			c.dispatch(ctx, HandlerWaiting, "", c.handleWaiting)
		})
	})
	g.Go(func() error {
		return c.store.Watch(gctx, c.keys.Allocations(), func(ctx context.Context, _ []string) {
			c.dispatch(ctx, HandlerAllocations, "", c.handleAllocations)
		})
	})
	g.Go(func() error {
		return c.catalog.WatchServices(gctx, func(ctx context.Context, names []string) {
			c.dispatch(ctx, HandlerServices, "", func(ctx context.Context) error {
				c.onServices(ctx, names)
				return nil
			})
		})
	})
	if c.resync > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.resync)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					c.dispatch(gctx, HandlerWaiting, "", c.handleWaiting)
				}
			}
		})
	}

	err := g.Wait()
	c.watches.Close()
	c.watchWG.Wait()
	c.metrics.SetServiceWatches(0)

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		c.logger.Info().Msg("control loop stopped")
		return nil
	}
	return err
}

// ReconcileQueue runs one waiting pass outside of any notification, used
// after the capacity limit changes.
func (c *Controller) ReconcileQueue(ctx context.Context) {
	c.dispatch(ctx, HandlerWaiting, "", c.handleWaiting)
}

// dispatch runs one handler pass inside a span. Errors are logged and
// counted; they never reach the watch loop.
func (c *Controller) dispatch(ctx context.Context, handler, userID string, fn func(ctx context.Context) error) {
	c.metrics.RecordWatchEvent(handler)

	ctx, span := c.tracer.StartHandlerSpan(ctx, handler, userID)
	defer span.End()

	logger := c.logger.With().Str("handler", handler).Logger()
	if userID != "" {
		logger = logger.With().Str("user_id", userID).Logger()
	}
	logger.Debug().Msg("watch hit")

	if err := fn(ctx); err != nil {
		class := ClassOf(err)
		c.metrics.RecordHandlerError(handler, string(class))
		telemetry.RecordError(span, err)
		if class == ErrorClassTransient {
			logger.Warn().Err(err).Msg("handler pass failed")
		} else {
			logger.Error().Err(err).Str("class", string(class)).Msg("handler pass failed")
		}
		return
	}
	telemetry.RecordSuccess(span)
}

// handleRequests reconciles the waiting list against the current request
// set. Entries whose request vanished are purged and their allocation and
// job released; new requests are enqueued at the tail. Allocation records
// left without a request are released in the same pass.
func (c *Controller) handleRequests(ctx context.Context, _ []string) error {
	requests, err := c.requests.List(ctx)
	if err != nil {
		return err
	}
	ids := OrderedIDs(requests)

	current, index, err := c.readWaiting(ctx)
	if err != nil {
		return err
	}

	next, removed := Reconcile(ids, current)
	handled := make(map[string]bool, len(ids)+len(removed))
	for _, id := range ids {
		handled[id] = true
	}
	for _, id := range removed {
		handled[id] = true
		if err := c.jobs.release(ctx, id); err != nil {
			// Keep the entry so the next pass retries the release.
			c.logger.Warn().Err(err).Str("user_id", id).Msg("failed to release user")
			next.Entries[id] = current.Entries[id]
		}
	}

	next, added := Enqueue(next, ids)
	for _, id := range added {
		c.logger.Info().Str("user_id", id).Msg("user enqueued")
		c.events.PublishUserEvent(telemetry.EventTypeUserEnqueued, HandlerRequests, id, "User enqueued", nil)
	}

	if c.notifier != nil {
		c.notifier.Prune(ids)
	}

	if !next.Equal(current) {
		if _, err := c.writeWaiting(ctx, next, index); err != nil {
			return err
		}
	}
	return c.releaseOrphans(ctx, handled)
}

// releaseOrphans releases users that own an allocation record but have no
// request, such as a record written by a pipeline that finished after its
// user was released. Ids in skip are left alone.
func (c *Controller) releaseOrphans(ctx context.Context, skip map[string]bool) error {
	entries, err := c.store.List(ctx, c.keys.Allocations())
	if err != nil {
		return err
	}

	var errs []error
	for key := range entries {
		id, ok := IDFromKey(c.keys.Allocations(), key)
		if !ok || skip[id] {
			continue
		}
		// Re-read the request: it may have been submitted after the list.
		if _, err := c.requests.Get(ctx, id); !IsNotFound(err) {
			if err != nil && !IsMalformed(err) {
				errs = append(errs, err)
			}
			continue
		}
		c.logger.Info().Str("user_id", id).Msg("releasing allocation without a request")
		if err := c.jobs.release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleWaiting admits at most one user and, when nothing was written,
// broadcasts queue positions for the stored waiting list.
func (c *Controller) handleWaiting(ctx context.Context) error {
	requests, err := c.requests.List(ctx)
	if err != nil {
		return err
	}

	current, index, err := c.readWaiting(ctx)
	if err != nil {
		return err
	}
	c.metrics.SetWaitingQueueLength(len(current.Queued()))

	if nextID, ok := NextInQueue(current); ok {
		committed := false
		commit := func(ctx context.Context, next *WaitingList) (bool, error) {
			committed = true
			return c.writeWaiting(ctx, next, index)
		}

		admitted, err := c.jobs.AttemptAdmission(ctx, nextID, current, requests, commit)
		switch {
		case IsMalformed(err):
			c.logger.Warn().Err(err).Str("user_id", nextID).Msg("removing unreadable request")
			return c.requests.Remove(ctx, nextID)
		case err != nil:
			return err
		}

		if admitted {
			c.metrics.RecordAdmission()
			c.events.PublishUserEvent(telemetry.EventTypeUserAdmitted, HandlerWaiting, nextID, "User admitted", nil)
		}
		if committed {
			// The write, ours or the one that beat it, triggers another
			// waiting pass, which broadcasts.
			return nil
		}
	}

	c.broadcastPositions(current)
	return nil
}

func (c *Controller) broadcastPositions(w *WaitingList) {
	if c.notifier == nil {
		return
	}
	for id, position := range QueuePositions(w) {
		c.notifier.Notify(id, PositionNotification(position))
	}
}

// handleAllocations rebuilds every pair and republishes proxy routes, then
// releases any record whose request is gone.
func (c *Controller) handleAllocations(ctx context.Context) error {
	if _, err := c.assembler.Assemble(ctx); err != nil {
		return err
	}

	requests, err := c.requests.List(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(requests))
	for id := range requests {
		live[id] = true
	}
	return c.releaseOrphans(ctx, live)
}

// onServices reconciles the per-service watch set against the catalog.
func (c *Controller) onServices(ctx context.Context, names []string) {
	desired := TrackedServices(names)
	if c.proxy != nil {
		for _, name := range names {
			if name == WebAppService {
				desired = append(desired, WebAppService)
				break
			}
		}
	}

	hadWebApps := slices.Contains(c.watches.Names(), WebAppService)
	c.watches.Reconcile(desired, func(name string) context.CancelFunc {
		return c.startServiceWatch(ctx, name)
	})
	c.metrics.SetServiceWatches(c.watches.Len())

	// The stopped watch will not deliver again; clear the proxy's backends.
	if hadWebApps && !slices.Contains(desired, WebAppService) {
		c.dispatch(ctx, HandlerWebApps, "", func(ctx context.Context) error {
			return c.handleWebApps(ctx, nil)
		})
	}
}

// startServiceWatch launches the watch for one service. Its handler spans
// are roots of their own, not children of the catalog pass that started it.
func (c *Controller) startServiceWatch(ctx context.Context, name string) context.CancelFunc {
	wctx, cancel := context.WithCancel(trace.ContextWithSpanContext(ctx, trace.SpanContext{}))

	var fn func(ctx context.Context, instances []ServiceInstance)
	kind, id := ParseServiceName(name)
	switch {
	case kind == ServiceCore:
		fn = func(ctx context.Context, instances []ServiceInstance) {
			c.dispatch(ctx, HandlerCoreService, id, func(ctx context.Context) error {
				return c.handleCoreService(ctx, id, instances)
			})
		}
	case kind == ServiceHMI:
		fn = func(ctx context.Context, instances []ServiceInstance) {
			c.dispatch(ctx, HandlerHMIService, id, func(ctx context.Context) error {
				return c.handleHMIService(ctx, id, instances)
			})
		}
	case name == WebAppService:
		fn = func(ctx context.Context, instances []ServiceInstance) {
			c.dispatch(ctx, HandlerWebApps, "", func(ctx context.Context) error {
				return c.handleWebApps(ctx, instances)
			})
		}
	default:
		return cancel
	}

	c.logger.Debug().Str("service", name).Msg("starting service watch")
	c.watchWG.Add(1)
	go func() {
		defer c.watchWG.Done()
		if err := c.catalog.WatchService(wctx, name, fn); err != nil && wctx.Err() == nil {
			c.logger.Warn().Err(err).Str("service", name).Msg("service watch ended")
		}
	}()
	return cancel
}

// handleCoreService appends the HMI group once the user's core is healthy.
// A core with no healthy instance is torn down by removing its request.
func (c *Controller) handleCoreService(ctx context.Context, id string, instances []ServiceInstance) error {
	healthy := FilterHealthy(instances)
	if len(healthy) == 0 {
		c.logger.Info().Str("user_id", id).Msg("core died, removing request")
		c.metrics.RecordTeardown("core_died")
		return c.requests.Remove(ctx, id)
	}

	job, err := c.scheduler.FindJob(ctx, JobName(id))
	switch {
	case IsNotFound(err):
		c.logger.Debug().Str("user_id", id).Msg("ignoring core service without a job")
		return nil
	case err != nil:
		return err
	}
	if job.HasHMIGroup() {
		return nil
	}

	req, err := c.requests.Get(ctx, id)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.jobs.Augment(ctx, job, req, healthy[0])
}

// handleHMIService resolves and stores the user's allocation record once
// the HMI is healthy. An unhealthy HMI never triggers a teardown.
func (c *Controller) handleHMIService(ctx context.Context, id string, instances []ServiceInstance) error {
	healthy := FilterHealthy(instances, HMIAliveCheck)
	if len(healthy) == 0 {
		return nil
	}

	if _, err := c.scheduler.FindJob(ctx, JobName(id)); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	record, err := c.resolver.Resolve(ctx, id, healthy[0])
	if err != nil {
		if IsNotFound(err) || IsMalformed(err) {
			step := FailedStep(err)
			c.metrics.RecordPipelineAbort(step)
			if step == StepCoreService {
				c.metrics.RecordTeardown("core_died")
			}
			c.logger.Debug().Err(err).Str("user_id", id).Str("step", step).Msg("allocation pipeline aborted")
			return nil
		}
		return err
	}

	c.metrics.RecordAllocationResolved()
	c.events.PublishUserEvent(telemetry.EventTypeAllocationResolved, HandlerHMIService, id, "Allocation record stored", map[string]interface{}{
		"hmi_address":  record.HMIAddress,
		"core_address": record.CoreAddress,
	})
	return nil
}

// handleWebApps hands the healthy control-plane replicas to the proxy.
func (c *Controller) handleWebApps(ctx context.Context, instances []ServiceInstance) error {
	healthy := FilterHealthy(instances, WebAppAliveCheck)
	addresses := make([]string, 0, len(healthy))
	for _, inst := range healthy {
		addresses = append(addresses, inst.HostPort())
	}
	if err := c.proxy.UpdateWebApps(ctx, addresses); err != nil {
		c.metrics.RecordProxyPublish("error")
		return err
	}
	c.metrics.RecordProxyPublish("ok")
	return nil
}

func (c *Controller) readWaiting(ctx context.Context) (*WaitingList, uint64, error) {
	data, index, err := c.store.GetIndexed(ctx, c.keys.Waiting())
	if err != nil {
		return nil, 0, err
	}
	w, err := ParseWaitingList(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("waiting list unreadable, starting from empty")
	}
	return w, index, nil
}

// writeWaiting stores w if the waiting key still has the given index. A
// lost race is not an error: the winning write triggers another pass.
func (c *Controller) writeWaiting(ctx context.Context, w *WaitingList, index uint64) (bool, error) {
	data, err := w.Encode()
	if err != nil {
		return false, err
	}
	written, err := c.store.CompareAndSwap(ctx, c.keys.Waiting(), data, index)
	if err != nil {
		return false, err
	}
	if !written {
		c.logger.Debug().Msg("waiting list changed concurrently, skipping write")
		return false, nil
	}
	c.metrics.SetWaitingQueueLength(len(w.Queued()))
	return true, nil
}
