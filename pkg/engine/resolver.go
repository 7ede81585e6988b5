package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Allocation pipeline step names.
const (
	StepHMIAllocation  = "hmi_allocation"
	StepCoreService    = "core_service"
	StepCoreAllocation = "core_allocation"
	StepWriteRecord    = "write_allocation"
)

var allocationIDPattern = regexp.MustCompile(`[a-f0-9]+-[a-f0-9]+-[a-f0-9]+-[a-f0-9]+-[a-f0-9]+`)

// AllocationIDFromServiceID extracts the scheduler allocation id embedded
// in a catalog service identifier: the first uuid-shaped run that parses as
// a uuid.
func AllocationIDFromServiceID(serviceID string) (string, error) {
	matches := allocationIDPattern.FindAllString(serviceID, -1)
	if len(matches) == 0 {
		return "", NewNotFoundError("no allocation id in service id", nil).WithResource(serviceID)
	}
	var parseErr error
	for _, match := range matches {
		if _, err := uuid.Parse(match); err != nil {
			parseErr = err
			continue
		}
		return match, nil
	}
	return "", NewMalformedError("allocation id is not a uuid", parseErr).WithResource(serviceID)
}

// resolution is the state threaded through the allocation pipeline.
type resolution struct {
	userID string
	hmi    ServiceInstance
	core   ServiceInstance
	record AllocationRecord
}

// Resolver turns a healthy HMI instance into a complete allocation record
// for its user and writes it to the store.
type Resolver struct {
	scheduler Scheduler
	catalog   Catalog
	store     Store
	keys      Keyspace
	requests  *Requests
	logger    zerolog.Logger
	pipeline  *Pipeline[resolution]
}

// NewResolver creates an allocation resolver.
func NewResolver(scheduler Scheduler, catalog Catalog, store Store, keys Keyspace, requests *Requests, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		scheduler: scheduler,
		catalog:   catalog,
		store:     store,
		keys:      keys,
		requests:  requests,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
	r.pipeline = NewPipeline[resolution]().
		Step(StepHMIAllocation, r.resolveHMIAllocation).
		Step(StepCoreService, r.resolveCoreService).
		Step(StepCoreAllocation, r.resolveCoreAllocation).
		Step(StepWriteRecord, r.writeRecord)
	return r
}

// Resolve runs the four-step pipeline for one user. A NotFound failure at
// any step aborts without side effects other than a request removal when
// the core service is gone.
func (r *Resolver) Resolve(ctx context.Context, id string, hmi ServiceInstance) (*AllocationRecord, error) {
	state := &resolution{
		userID: id,
		hmi:    hmi,
		record: AllocationRecord{
			HMIAddress: hmi.Address,
			HMIPort:    hmi.Port,
		},
	}
	if err := r.pipeline.Run(ctx, state); err != nil {
		return nil, err
	}
	return &state.record, nil
}

func (r *Resolver) resolveHMIAllocation(ctx context.Context, s *resolution) error {
	alloc, err := r.allocation(ctx, s.hmi.ID)
	if err != nil {
		return err
	}
	userPort, ok := alloc.PortByLabel(PortLabelUser)
	if !ok {
		return NewNotFoundError("hmi allocation has no user port", nil).WithResource(alloc.ID)
	}
	brokerPort, ok := alloc.PortByLabel(PortLabelBroker)
	if !ok {
		return NewNotFoundError("hmi allocation has no broker port", nil).WithResource(alloc.ID)
	}
	s.record.UserPort = userPort
	s.record.BrokerPort = brokerPort
	return nil
}

func (r *Resolver) resolveCoreService(ctx context.Context, s *resolution) error {
	instances, err := r.catalog.GetService(ctx, CoreServiceName(s.userID))
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		r.logger.Info().Str("user_id", s.userID).Msg("core died while hmi is up, removing request")
		if err := r.requests.Remove(ctx, s.userID); err != nil {
			return err
		}
		return NewNotFoundError("core service has no instances", nil).WithResource(CoreServiceName(s.userID))
	}

	s.core = instances[0]
	if healthy := FilterHealthy(instances); len(healthy) > 0 {
		s.core = healthy[0]
	}
	s.record.CoreAddress = s.core.Address
	s.record.CorePort = s.core.Port
	return nil
}

func (r *Resolver) resolveCoreAllocation(ctx context.Context, s *resolution) error {
	alloc, err := r.allocation(ctx, s.core.ID)
	if err != nil {
		return err
	}
	tcpPort, ok := alloc.PortByLabel(PortLabelTCP)
	if !ok {
		return NewNotFoundError("core allocation has no tcp port", nil).WithResource(alloc.ID)
	}
	s.record.TCPPort = tcpPort
	return nil
}

func (r *Resolver) writeRecord(ctx context.Context, s *resolution) error {
	if !s.record.Complete() {
		return NewNotFoundError("allocation record incomplete", nil).WithResource(s.userID)
	}
	data, err := json.Marshal(s.record)
	if err != nil {
		return err
	}

	key := r.keys.Allocation(s.userID)
	current, err := r.store.Get(ctx, key)
	switch {
	case err == nil && bytes.Equal(current, data):
		// Unchanged; skip the write so the allocation watch stays quiet.
		return nil
	case err != nil && !IsNotFound(err):
		return err
	}
	return r.store.Put(ctx, key, data)
}

func (r *Resolver) allocation(ctx context.Context, serviceID string) (*Allocation, error) {
	allocID, err := AllocationIDFromServiceID(serviceID)
	if err != nil {
		return nil, err
	}
	return r.scheduler.GetAllocation(ctx, allocID)
}
