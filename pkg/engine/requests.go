package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/telemetry"
)

// prefixLength is the length of generated external host prefixes.
const prefixLength = 12

// PortRange is an inclusive range of external TCP ports.
type PortRange struct {
	Min int
	Max int
}

// Requests is the registry of user requests. Remove is the only way any
// part of the system expresses that a user should be torn down; jobs are
// never deleted from here.
type Requests struct {
	store    Store
	keys     Keyspace
	tcpPorts PortRange
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
	now      func() time.Time
}

// NewRequests creates a request registry.
func NewRequests(store Store, keys Keyspace, tcpPorts PortRange, logger zerolog.Logger, events *telemetry.EventPublisher) *Requests {
	return &Requests{
		store:    store,
		keys:     keys,
		tcpPorts: tcpPorts,
		logger:   logger.With().Str("component", "requests").Logger(),
		events:   events,
		now:      time.Now,
	}
}

// Submit stores a new request for id with freshly generated external
// prefixes unique among active requests. Submitting an id that already has
// a request returns the stored one unchanged.
func (r *Requests) Submit(ctx context.Context, id string, options map[string]string) (*UserRequest, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, NewInvariantError("invalid user id", nil).WithResource(id).WithOperation("submit")
	}

	existing, err := r.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	active, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool)
	for _, req := range active {
		if req == nil {
			continue
		}
		for _, p := range req.Prefixes() {
			used[p] = true
		}
	}

	port, err := r.freePort(used)
	if err != nil {
		return nil, err
	}

	req := &UserRequest{
		ID:                  id,
		UserToHMIPrefix:     uniquePrefix(used),
		HMIToCorePrefix:     uniquePrefix(used),
		BrokerAddressPrefix: uniquePrefix(used),
		TCPPortExternal:     port,
		Options:             options,
		CreatedAt:           r.now().UTC(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	written, err := r.store.CompareAndSwap(ctx, r.keys.Request(id), data, 0)
	if err != nil {
		return nil, err
	}
	if !written {
		// A concurrent submit for the same id won.
		return r.Get(ctx, id)
	}

	r.logger.Info().Str("user_id", id).Int("tcp_port", port).Msg("request stored")
	r.events.PublishUserEvent(telemetry.EventTypeRequestSubmitted, "requests", id, "Request submitted", nil)
	return req, nil
}

// Get returns the stored request for id.
func (r *Requests) Get(ctx context.Context, id string) (*UserRequest, error) {
	data, err := r.store.Get(ctx, r.keys.Request(id))
	if err != nil {
		return nil, err
	}
	return decodeRequest(id, data)
}

// List returns every stored request keyed by id. A request whose value
// cannot be decoded is listed with a nil value so it still counts as
// active.
func (r *Requests) List(ctx context.Context) (map[string]*UserRequest, error) {
	entries, err := r.store.List(ctx, r.keys.Requests())
	if err != nil {
		return nil, err
	}

	requests := make(map[string]*UserRequest, len(entries))
	for key, data := range entries {
		id, ok := IDFromKey(r.keys.Requests(), key)
		if !ok {
			continue
		}
		req, err := decodeRequest(id, data)
		if err != nil {
			r.logger.Warn().Err(err).Str("user_id", id).Msg("skipping malformed request")
			requests[id] = nil
			continue
		}
		requests[id] = req
	}
	return requests, nil
}

// Remove deletes the request for id. The request watch observes the
// deletion and releases the user's allocation and job.
func (r *Requests) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.keys.Request(id)); err != nil {
		return err
	}
	r.events.PublishUserEvent(telemetry.EventTypeRequestRemoved, "requests", id, "Request removed", nil)
	return nil
}

// OrderedIDs returns the ids of requests ordered by submission time.
func OrderedIDs(requests map[string]*UserRequest) []string {
	ids := make([]string, 0, len(requests))
	for id := range requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := requests[ids[i]], requests[ids[j]]
		if a != nil && b != nil && !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func decodeRequest(id string, data []byte) (*UserRequest, error) {
	var req UserRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewMalformedError("failed to decode request", err).WithResource(id)
	}
	if req.ID == "" {
		req.ID = id
	}
	return &req, nil
}

func (r *Requests) freePort(used map[string]bool) (int, error) {
	for port := r.tcpPorts.Min; port <= r.tcpPorts.Max; port++ {
		if !used[fmt.Sprint(port)] {
			return port, nil
		}
	}
	return 0, NewInvariantError("external tcp port range exhausted", nil).
		WithCode(ErrCodeNoCapacity).
		WithOperation("submit")
}

// uniquePrefix returns a lowercase alphanumeric host prefix not in used and
// records it.
func uniquePrefix(used map[string]bool) string {
	for {
		p := strings.ReplaceAll(uuid.NewString(), "-", "")[:prefixLength]
		// Keep prefixes starting with a letter.
		if p[0] >= '0' && p[0] <= '9' {
			continue
		}
		if !used[p] {
			used[p] = true
			return p
		}
	}
}
