package nomad

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/nomad/api"

	"github.com/manticore/manticore/pkg/engine"
)

// Environment passed to the tasks.
const (
	EnvUserID              = "USER_ID"
	EnvCoreAddress         = "CORE_ADDRESS"
	EnvCorePort            = "CORE_PORT"
	EnvUserToHMIPrefix     = "USER_TO_HMI_PREFIX"
	EnvHMIToCorePrefix     = "HMI_TO_CORE_PREFIX"
	EnvBrokerAddressPrefix = "BROKER_ADDRESS_PREFIX"
	EnvTCPPortExternal     = "TCP_PORT_EXTERNAL"
)

const (
	coreTaskName   = "core"
	hmiTaskName    = "hmi"
	coreAliveCheck = "core-alive"
	jobPriority    = 50
	checkInterval  = 3 * time.Second
	checkTimeout   = 2 * time.Second
)

// JobBuilder renders engine jobs into Nomad job specs.
type JobBuilder struct {
	cfg Config
}

// NewJobBuilder creates a job builder.
func NewJobBuilder(cfg Config) *JobBuilder {
	return &JobBuilder{cfg: cfg}
}

// Build renders job. Every task group must be a core or HMI group and carry
// the user id in its meta.
func (b *JobBuilder) Build(job *engine.Job) (*api.Job, error) {
	if job == nil || job.Name == "" {
		return nil, engine.NewMalformedError("job has no name", nil).WithOperation("build_job")
	}

	out := api.NewServiceJob(job.Name, job.Name, b.cfg.Region, jobPriority)
	out.Datacenters = b.cfg.Datacenters
	if b.cfg.Namespace != "" {
		out.Namespace = stringPtr(b.cfg.Namespace)
	}
	out.Meta = map[string]string{engine.MetaUserID: job.UserID}

	for _, g := range job.TaskGroups {
		if g.Meta[engine.MetaUserID] == "" {
			return nil, engine.NewMalformedError("task group has no user id", nil).
				WithResource(g.Name).WithOperation("build_job")
		}
		switch {
		case strings.HasPrefix(g.Name, engine.CoreGroupPrefix):
			out.AddTaskGroup(b.coreGroup(g))
		case strings.HasPrefix(g.Name, engine.HMIGroupPrefix):
			out.AddTaskGroup(b.hmiGroup(g))
		default:
			return nil, engine.NewInvariantError("unknown task group", nil).
				WithResource(g.Name).WithOperation("build_job")
		}
	}
	return out, nil
}

func (b *JobBuilder) coreGroup(g engine.TaskGroup) *api.TaskGroup {
	id := g.Meta[engine.MetaUserID]

	env := map[string]string{
		EnvUserID:          id,
		EnvTCPPortExternal: g.Meta[engine.MetaTCPPortExternal],
	}
	for k, v := range g.Meta {
		if name, ok := strings.CutPrefix(k, engine.MetaOptionPrefix); ok {
			env[strings.ToUpper(name)] = v
		}
	}

	task := b.task(coreTaskName, b.cfg.Core, env, engine.PortLabelHMI, engine.PortLabelTCP)

	tg := api.NewTaskGroup(g.Name, 1)
	tg.Meta = maps.Clone(g.Meta)
	tg.Networks = []*api.NetworkResource{dynamicPorts(engine.PortLabelHMI, engine.PortLabelTCP)}
	tg.Services = []*api.Service{service(engine.CoreServiceName(id), engine.PortLabelHMI, coreAliveCheck)}
	return tg.AddTask(task)
}

func (b *JobBuilder) hmiGroup(g engine.TaskGroup) *api.TaskGroup {
	id := g.Meta[engine.MetaUserID]

	env := map[string]string{
		EnvUserID:              id,
		EnvCoreAddress:         g.Meta[engine.MetaCoreAddress],
		EnvCorePort:            g.Meta[engine.MetaCorePort],
		EnvUserToHMIPrefix:     g.Meta[engine.MetaUserToHMIPrefix],
		EnvHMIToCorePrefix:     g.Meta[engine.MetaHMIToCorePrefix],
		EnvBrokerAddressPrefix: g.Meta[engine.MetaBrokerPrefix],
	}

	task := b.task(hmiTaskName, b.cfg.HMI, env, engine.PortLabelUser, engine.PortLabelBroker)

	tg := api.NewTaskGroup(g.Name, 1)
	tg.Meta = maps.Clone(g.Meta)
	tg.Networks = []*api.NetworkResource{dynamicPorts(engine.PortLabelUser, engine.PortLabelBroker)}
	tg.Services = []*api.Service{service(engine.HMIServiceName(id), engine.PortLabelUser, engine.HMIAliveCheck)}
	return tg.AddTask(task)
}

func (b *JobBuilder) task(name string, cfg TaskConfig, env map[string]string, ports ...string) *api.Task {
	for k, v := range cfg.Env {
		if _, set := env[k]; !set {
			env[k] = v
		}
	}

	task := api.NewTask(name, "docker")
	task.SetConfig("image", cfg.Image)
	task.SetConfig("ports", ports)
	task.Env = env
	task.Require(&api.Resources{
		CPU:      intPtr(cfg.CPU),
		MemoryMB: intPtr(cfg.MemoryMB),
	})
	return task
}

func dynamicPorts(labels ...string) *api.NetworkResource {
	ports := make([]api.Port, len(labels))
	for i, label := range labels {
		ports[i] = api.Port{Label: label}
	}
	return &api.NetworkResource{DynamicPorts: ports}
}

func service(name, portLabel, check string) *api.Service {
	return &api.Service{
		Name:      name,
		PortLabel: portLabel,
		Checks: []api.ServiceCheck{{
			Name:     check,
			Type:     "tcp",
			Interval: checkInterval,
			Timeout:  checkTimeout,
		}},
	}
}

// FromAPIJob converts a Nomad job back into the engine's view. Group meta
// round-trips unchanged.
func FromAPIJob(job *api.Job) (*engine.Job, error) {
	if job == nil || job.ID == nil {
		return nil, engine.NewMalformedError("scheduler returned a job without id", nil)
	}

	out := &engine.Job{Name: *job.ID, UserID: job.Meta[engine.MetaUserID]}
	for _, tg := range job.TaskGroups {
		if tg == nil || tg.Name == nil {
			continue
		}
		out.TaskGroups = append(out.TaskGroups, engine.TaskGroup{
			Name: *tg.Name,
			Meta: maps.Clone(tg.Meta),
		})
		if out.UserID == "" {
			out.UserID = tg.Meta[engine.MetaUserID]
		}
	}
	if len(out.TaskGroups) == 0 {
		return nil, engine.NewMalformedError(fmt.Sprintf("job %s has no task groups", out.Name), nil)
	}
	return out, nil
}

func intPtr(v int) *int { return &v }

func stringPtr(v string) *string { return &v }
