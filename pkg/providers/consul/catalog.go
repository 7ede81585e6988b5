package consul

import (
	"context"
	"sort"

	"github.com/hashicorp/consul/api"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/telemetry"
)

const collaboratorCatalog = "consul_catalog"

var _ engine.Catalog = (*Client)(nil)

// WatchServices delivers the sorted names of every registered service on
// every catalog change.
func (c *Client) WatchServices(ctx context.Context, fn func(ctx context.Context, names []string)) error {
	var names []string
	query := func(q *api.QueryOptions) (uint64, error) {
		services, meta, err := c.api.Catalog().Services(q)
		if err != nil {
			return 0, err
		}
		names = make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		return meta.LastIndex, nil
	}
	return c.watch(ctx, "catalog", query, func() {
		fn(ctx, names)
	})
}

// WatchService delivers every instance of name, with health checks, on
// every change.
func (c *Client) WatchService(ctx context.Context, name string, fn func(ctx context.Context, instances []engine.ServiceInstance)) error {
	var instances []engine.ServiceInstance
	query := func(q *api.QueryOptions) (uint64, error) {
		entries, meta, err := c.api.Health().Service(name, "", false, q)
		if err != nil {
			return 0, err
		}
		instances = toInstances(entries)
		return meta.LastIndex, nil
	}
	return c.watch(ctx, "service:"+name, query, func() {
		fn(ctx, instances)
	})
}

// GetService returns the current instances of name with health.
func (c *Client) GetService(ctx context.Context, name string) ([]engine.ServiceInstance, error) {
	var entries []*api.ServiceEntry
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorCatalog, "service", func(ctx context.Context) error {
		var err error
		entries, _, err = c.api.Health().Service(name, "", false, (&api.QueryOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, transient("service", name, err)
	}
	return toInstances(entries), nil
}

// toInstances converts health entries. A service registered without an
// address takes its node's address.
func toInstances(entries []*api.ServiceEntry) []engine.ServiceInstance {
	instances := make([]engine.ServiceInstance, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Service == nil {
			continue
		}
		inst := engine.ServiceInstance{
			ID:      e.Service.ID,
			Name:    e.Service.Service,
			Address: e.Service.Address,
			Port:    e.Service.Port,
			Tags:    e.Service.Tags,
		}
		if inst.Address == "" && e.Node != nil {
			inst.Address = e.Node.Address
		}
		for _, check := range e.Checks {
			if check == nil {
				continue
			}
			// Node checks (empty ServiceID) gate every service on the node.
			if check.ServiceID != "" && check.ServiceID != e.Service.ID {
				continue
			}
			inst.Checks = append(inst.Checks, engine.HealthCheck{
				CheckID: check.CheckID,
				Name:    check.Name,
				Status:  check.Status,
			})
		}
		instances = append(instances, inst)
	}
	return instances
}
