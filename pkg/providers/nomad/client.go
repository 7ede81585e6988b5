package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/nomad/api"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/telemetry"
)

const (
	collaborator  = "nomad"
	jobStatusDead = "dead"
)

// Config holds Nomad connection and job settings.
type Config struct {
	Address     string
	Region      string
	Namespace   string
	Token       string
	Datacenters []string

	Core TaskConfig
	HMI  TaskConfig
}

// TaskConfig describes one docker task.
type TaskConfig struct {
	Image    string
	CPU      int
	MemoryMB int
	Env      map[string]string
}

// Client is a Nomad-backed engine.Scheduler.
type Client struct {
	api     *api.Client
	cfg     Config
	builder *JobBuilder
	logger  zerolog.Logger
}

var (
	_ engine.Scheduler = (*Client)(nil)
	_ engine.LogSource = (*Client)(nil)
)

// NewClient creates a Nomad client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Region != "" {
		apiCfg.Region = cfg.Region
	}
	if cfg.Namespace != "" {
		apiCfg.Namespace = cfg.Namespace
	}
	if cfg.Token != "" {
		apiCfg.SecretID = cfg.Token
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create nomad client: %w", err)
	}

	return &Client{
		api:     client,
		cfg:     cfg,
		builder: NewJobBuilder(cfg),
		logger:  logger.With().Str("component", "nomad").Logger(),
	}, nil
}

// FindJob returns the named live job. A stopped or dead job counts as absent.
func (c *Client) FindJob(ctx context.Context, name string) (*engine.Job, error) {
	var job *api.Job
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "job.info", func(ctx context.Context) error {
		var err error
		job, _, err = c.api.Jobs().Info(name, c.query(ctx))
		return err
	})
	if err != nil {
		return nil, classify("job.info", name, err)
	}
	if (job.Stop != nil && *job.Stop) || (job.Status != nil && *job.Status == jobStatusDead) {
		return nil, engine.NewNotFoundError("job is stopped", nil).
			WithResource(name).WithOperation("job.info")
	}
	return FromAPIJob(job)
}

// SubmitJob registers or updates job.
func (c *Client) SubmitJob(ctx context.Context, job *engine.Job) error {
	spec, err := c.builder.Build(job)
	if err != nil {
		return err
	}

	err = telemetry.RecordCollaboratorCall(ctx, collaborator, "job.register", func(ctx context.Context) error {
		_, _, err := c.api.Jobs().Register(spec, c.write(ctx))
		return err
	})
	if err != nil {
		return classify("job.register", job.Name, err)
	}

	c.logger.Debug().Str("job", job.Name).Int("task_groups", len(spec.TaskGroups)).Msg("job registered")
	return nil
}

// DeleteJob stops and purges the named job. An absent job is not an error.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "job.deregister", func(ctx context.Context) error {
		_, _, err := c.api.Jobs().Deregister(name, true, c.write(ctx))
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("job.deregister", name, err)
	}
	c.logger.Debug().Str("job", name).Msg("job purged")
	return nil
}

// ListJobs returns the names of live jobs starting with prefix.
func (c *Client) ListJobs(ctx context.Context, prefix string) ([]string, error) {
	var stubs []*api.JobListStub
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "job.list", func(ctx context.Context) error {
		q := c.query(ctx)
		q.Prefix = prefix
		var err error
		stubs, _, err = c.api.Jobs().List(q)
		return err
	})
	if err != nil {
		return nil, classify("job.list", prefix, err)
	}

	var names []string
	for _, s := range stubs {
		if s.Stop || s.Status == jobStatusDead || !strings.HasPrefix(s.ID, prefix) {
			continue
		}
		names = append(names, s.ID)
	}
	return names, nil
}

// GetAllocation returns the networks of an allocation, merging group and
// task level resources.
func (c *Client) GetAllocation(ctx context.Context, id string) (*engine.Allocation, error) {
	var alloc *api.Allocation
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "allocation.info", func(ctx context.Context) error {
		var err error
		alloc, _, err = c.api.Allocations().Info(id, c.query(ctx))
		return err
	})
	if err != nil {
		return nil, classify("allocation.info", id, err)
	}
	return toAllocation(alloc), nil
}

// StreamCoreLogs follows stdout of the core task in the user's running core
// allocation.
func (c *Client) StreamCoreLogs(ctx context.Context, id string, emit func([]byte) error) error {
	alloc, err := c.runningCoreAllocation(ctx, id)
	if err != nil {
		return err
	}

	cancel := make(chan struct{})
	defer close(cancel)
	frames, errCh := c.api.AllocFS().Logs(alloc, true, coreTaskName, "stdout", "start", 0, cancel, c.query(ctx))

	c.logger.Debug().Str("user_id", id).Str("allocation", alloc.ID).Msg("streaming core logs")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return classify("allocation.logs", alloc.ID, err)
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if len(frame.Data) == 0 {
				continue
			}
			if err := emit(frame.Data); err != nil {
				return err
			}
		}
	}
}

func (c *Client) runningCoreAllocation(ctx context.Context, id string) (*api.Allocation, error) {
	name := engine.JobName(id)
	var stubs []*api.AllocationListStub
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "job.allocations", func(ctx context.Context) error {
		var err error
		stubs, _, err = c.api.Jobs().Allocations(name, false, c.query(ctx))
		return err
	})
	if err != nil {
		return nil, classify("job.allocations", name, err)
	}

	for _, stub := range stubs {
		if stub.ClientStatus != api.AllocClientStatusRunning || !strings.HasPrefix(stub.TaskGroup, engine.CoreGroupPrefix) {
			continue
		}
		var alloc *api.Allocation
		err := telemetry.RecordCollaboratorCall(ctx, collaborator, "allocation.info", func(ctx context.Context) error {
			var err error
			alloc, _, err = c.api.Allocations().Info(stub.ID, c.query(ctx))
			return err
		})
		if err != nil {
			return nil, classify("allocation.info", stub.ID, err)
		}
		return alloc, nil
	}
	return nil, engine.NewNotFoundError("no running core allocation", nil).
		WithResource(name).WithOperation("job.allocations")
}

func toAllocation(alloc *api.Allocation) *engine.Allocation {
	out := &engine.Allocation{ID: alloc.ID}

	add := func(networks []*api.NetworkResource) {
		for _, n := range networks {
			if n == nil {
				continue
			}
			net := engine.Network{IP: n.IP}
			for _, p := range n.DynamicPorts {
				net.DynamicPorts = append(net.DynamicPorts, engine.Port{Label: p.Label, Value: p.Value})
			}
			out.Networks = append(out.Networks, net)
		}
	}

	if res := alloc.AllocatedResources; res != nil {
		add(res.Shared.Networks)
		if len(res.Shared.Ports) > 0 {
			var net engine.Network
			for _, p := range res.Shared.Ports {
				net.IP = p.HostIP
				net.DynamicPorts = append(net.DynamicPorts, engine.Port{Label: p.Label, Value: p.Value})
			}
			out.Networks = append(out.Networks, net)
		}
		for _, task := range res.Tasks {
			if task != nil {
				add(task.Networks)
			}
		}
	}
	if alloc.Resources != nil {
		add(alloc.Resources.Networks)
	}
	return out
}

func (c *Client) query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{Region: c.cfg.Region, Namespace: c.cfg.Namespace}).WithContext(ctx)
}

func (c *Client) write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{Region: c.cfg.Region, Namespace: c.cfg.Namespace}).WithContext(ctx)
}

// classify maps a 404 to NotFound and everything else to Transient.
func classify(op, resource string, err error) error {
	if isNotFound(err) {
		return engine.NewNotFoundError("not found in scheduler", err).
			WithResource(resource).WithOperation(op)
	}
	return engine.NewTransientError("nomad request failed", err).
		WithResource(resource).WithOperation(op)
}

func isNotFound(err error) bool {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode() == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "404")
}
