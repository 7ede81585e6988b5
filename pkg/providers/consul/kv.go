package consul

import (
	"context"
	"sort"

	"github.com/hashicorp/consul/api"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/telemetry"
)

const collaboratorKV = "consul_kv"

var _ engine.Store = (*Client)(nil)

// Get returns the value of key, or a NotFound error when absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := c.GetIndexed(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, engine.NewNotFoundError("key not found", nil).
			WithResource(key).WithOperation("get")
	}
	return value, nil
}

// GetIndexed returns the value of key and its modify index. An absent key
// returns nil, 0.
func (c *Client) GetIndexed(ctx context.Context, key string) ([]byte, uint64, error) {
	var pair *api.KVPair
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorKV, "get", func(ctx context.Context) error {
		var err error
		pair, _, err = c.api.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, 0, transient("get", key, err)
	}
	if pair == nil {
		return nil, 0, nil
	}
	value := pair.Value
	if value == nil {
		value = []byte{}
	}
	return value, pair.ModifyIndex, nil
}

// List returns every key under prefix with its value.
func (c *Client) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	var pairs api.KVPairs
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorKV, "list", func(ctx context.Context) error {
		var err error
		pairs, _, err = c.api.KV().List(prefix, (&api.QueryOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, transient("list", prefix, err)
	}

	out := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out, nil
}

// Put writes key unconditionally.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorKV, "put", func(ctx context.Context) error {
		_, err := c.api.KV().Put(&api.KVPair{Key: key, Value: value}, (&api.WriteOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return transient("put", key, err)
	}
	return nil
}

// CompareAndSwap writes key only while its modify index equals index.
// Index 0 requires the key to be absent.
func (c *Client) CompareAndSwap(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	var ok bool
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorKV, "cas", func(ctx context.Context) error {
		var err error
		ok, _, err = c.api.KV().CAS(&api.KVPair{Key: key, Value: value, ModifyIndex: index}, (&api.WriteOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return false, transient("cas", key, err)
	}
	return ok, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := telemetry.RecordCollaboratorCall(ctx, collaboratorKV, "delete", func(ctx context.Context) error {
		_, err := c.api.KV().Delete(key, (&api.WriteOptions{}).WithContext(ctx))
		return err
	})
	if err != nil {
		return transient("delete", key, err)
	}
	return nil
}

// Watch delivers the full key set under prefix to fn on every change to
// any key under it, until ctx is done.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(ctx context.Context, keys []string)) error {
	var keys []string
	query := func(q *api.QueryOptions) (uint64, error) {
		found, meta, err := c.api.KV().Keys(prefix, "", q)
		if err != nil {
			return 0, err
		}
		sort.Strings(found)
		keys = found
		return meta.LastIndex, nil
	}
	return c.watch(ctx, "kv:"+prefix, query, func() {
		fn(ctx, keys)
	})
}

func transient(op, resource string, err error) error {
	return engine.NewTransientError("consul request failed", err).
		WithResource(resource).WithOperation(op)
}
