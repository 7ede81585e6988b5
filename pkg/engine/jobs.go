package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/telemetry"
)

// Task group meta keys read by the scheduler's job builder.
const (
	MetaUserID          = "user_id"
	MetaCoreAddress     = "core_address"
	MetaCorePort        = "core_port"
	MetaUserToHMIPrefix = "user_to_hmi_prefix"
	MetaHMIToCorePrefix = "hmi_to_core_prefix"
	MetaBrokerPrefix    = "broker_address_prefix"
	MetaTCPPortExternal = "tcp_port_external"

	// MetaOptionPrefix prefixes request options copied into the core group.
	MetaOptionPrefix = "option_"
)

// NewCoreJob builds the initial job for an admitted user: a single core
// task group.
func NewCoreJob(req *UserRequest) *Job {
	meta := map[string]string{
		MetaUserID:          req.ID,
		MetaTCPPortExternal: strconv.Itoa(req.TCPPortExternal),
	}
	for k, v := range req.Options {
		meta[MetaOptionPrefix+k] = v
	}
	return &Job{
		Name:       JobName(req.ID),
		UserID:     req.ID,
		TaskGroups: []TaskGroup{{Name: CoreGroupPrefix + "-" + req.ID, Meta: meta}},
	}
}

// NewHMIGroup builds the HMI task group pointed at a healthy core instance.
func NewHMIGroup(req *UserRequest, core ServiceInstance) TaskGroup {
	return TaskGroup{
		Name: HMIGroupPrefix + "-" + req.ID,
		Meta: map[string]string{
			MetaUserID:          req.ID,
			MetaCoreAddress:     core.Address,
			MetaCorePort:        strconv.Itoa(core.Port),
			MetaUserToHMIPrefix: req.UserToHMIPrefix,
			MetaHMIToCorePrefix: req.HMIToCorePrefix,
			MetaBrokerPrefix:    req.BrokerAddressPrefix,
		},
	}
}

// JobCoordinator drives a user's job through Absent, CoreOnly and
// CoreAndHMI. Deletion is unexported: jobs are released only for users
// whose request is gone.
type JobCoordinator struct {
	scheduler Scheduler
	store     Store
	keys      Keyspace
	probe     CapacityProbe
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
}

// NewJobCoordinator creates a job coordinator.
func NewJobCoordinator(scheduler Scheduler, store Store, keys Keyspace, probe CapacityProbe, logger zerolog.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *JobCoordinator {
	return &JobCoordinator{
		scheduler: scheduler,
		store:     store,
		keys:      keys,
		probe:     probe,
		logger:    logger.With().Str("component", "jobs").Logger(),
		metrics:   metrics,
		events:    events,
	}
}

// CommitFunc stores next as the waiting list if nothing else wrote it since
// it was read. It reports false when another pass won the race.
type CommitFunc func(ctx context.Context, next *WaitingList) (bool, error)

// AttemptAdmission admits nextID when capacity allows and reports whether
// it did. At most one user is admitted per call.
//
// The admission is committed to the waiting list before the core job is
// submitted, so a pass that lost the race never creates a job. A request
// removed while the job was being submitted has already been purged by a
// pass that found no job to delete; that job is released here. A user
// whose job already exists is marked admitted without a resubmission, so
// an augmented job is never overwritten with a core-only spec.
func (c *JobCoordinator) AttemptAdmission(ctx context.Context, nextID string, w *WaitingList, requests map[string]*UserRequest, commit CommitFunc) (bool, error) {
	if nextID == "" || !w.Has(nextID) {
		return false, nil
	}

	req, ok := requests[nextID]
	if !ok {
		// Request vanished; the request watch purges the entry.
		return false, nil
	}
	if req == nil {
		return false, NewMalformedError("request cannot be decoded", nil).WithResource(nextID)
	}

	_, err := c.scheduler.FindJob(ctx, JobName(nextID))
	switch {
	case err == nil:
		c.logger.Debug().Str("user_id", nextID).Msg("job already exists, marking admitted")
		return commit(ctx, MarkAdmitted(w, nextID))
	case !IsNotFound(err):
		return false, err
	}

	hasCapacity, err := c.probe.HasCapacity(ctx, len(w.Queued()))
	if err != nil {
		return false, err
	}
	if !hasCapacity {
		c.logger.Debug().Str("user_id", nextID).Msg("no capacity for next user")
		return false, nil
	}

	written, err := commit(ctx, MarkAdmitted(w, nextID))
	if err != nil || !written {
		return false, err
	}

	if err := c.scheduler.SubmitJob(ctx, NewCoreJob(req)); err != nil {
		c.requeue(ctx, nextID)
		return false, err
	}

	if _, err := c.store.Get(ctx, c.keys.Request(nextID)); IsNotFound(err) {
		c.logger.Info().Str("user_id", nextID).Msg("request removed during admission, releasing job")
		return false, c.release(ctx, nextID)
	}

	c.logger.Info().Str("user_id", nextID).Msg("user admitted, core job submitted")
	return true, nil
}

// requeue puts id back at its rank after its core job could not be
// submitted. A lost race leaves the entry as the winner wrote it.
func (c *JobCoordinator) requeue(ctx context.Context, id string) {
	data, index, err := c.store.GetIndexed(ctx, c.keys.Waiting())
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", id).Msg("failed to read waiting list for requeue")
		return
	}
	w, _ := ParseWaitingList(data)
	if e, ok := w.Entries[id]; !ok || !e.Admitted {
		return
	}
	next, err := Requeue(w, id).Encode()
	if err != nil {
		return
	}
	if _, err := c.store.CompareAndSwap(ctx, c.keys.Waiting(), next, index); err != nil {
		c.logger.Warn().Err(err).Str("user_id", id).Msg("failed to requeue user")
	}
}

// Augment appends the HMI task group to a core-only job and resubmits it.
// A job that already has an HMI group is left untouched.
func (c *JobCoordinator) Augment(ctx context.Context, job *Job, req *UserRequest, core ServiceInstance) error {
	if job.HasHMIGroup() {
		return nil
	}

	augmented := &Job{
		Name:       job.Name,
		UserID:     req.ID,
		TaskGroups: append(append([]TaskGroup(nil), job.TaskGroups...), NewHMIGroup(req, core)),
	}
	if err := c.scheduler.SubmitJob(ctx, augmented); err != nil {
		return err
	}

	c.logger.Info().Str("user_id", req.ID).Str("core", core.HostPort()).Msg("hmi group appended")
	c.metrics.RecordJobAugmented()
	c.events.PublishUserEvent(telemetry.EventTypeJobAugmented, "core_service", req.ID, "HMI task group appended", map[string]interface{}{
		"core_address": core.HostPort(),
	})
	return nil
}

// release deletes a user's allocation record and job. It is called only
// after the user's request was observed gone.
func (c *JobCoordinator) release(ctx context.Context, id string) error {
	var errs []error
	if err := c.store.Delete(ctx, c.keys.Allocation(id)); err != nil {
		errs = append(errs, err)
	}
	if err := c.scheduler.DeleteJob(ctx, JobName(id)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.logger.Info().Str("user_id", id).Msg("user released")
	c.metrics.RecordTeardown("request_vanished")
	c.events.PublishUserEvent(telemetry.EventTypeUserReleased, "requests", id, "Allocation and job released", nil)
	return nil
}
