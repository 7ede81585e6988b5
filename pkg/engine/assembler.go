package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/manticore/manticore/pkg/telemetry"
)

// assemblerConcurrency bounds the request lookups in flight per pass.
const assemblerConcurrency = 8

// allocationTask carries one allocation entry with its own copies of the
// id and record.
type allocationTask struct {
	id     string
	record AllocationRecord
}

// Assembler merges allocation records with request prefixes into pairs,
// pushes each user's addresses, and republishes the whole pair set to the
// proxy once every lookup of the pass has returned.
type Assembler struct {
	store      Store
	keys       Keyspace
	requests   *Requests
	proxy      ProxyUpdater
	notifier   Notifier
	addressing Addressing
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

// NewAssembler creates an allocation assembler. proxy and notifier may be nil.
func NewAssembler(store Store, keys Keyspace, requests *Requests, proxy ProxyUpdater, notifier Notifier, addressing Addressing, logger zerolog.Logger, metrics *telemetry.Metrics) *Assembler {
	return &Assembler{
		store:      store,
		keys:       keys,
		requests:   requests,
		proxy:      proxy,
		notifier:   notifier,
		addressing: addressing,
		logger:     logger.With().Str("component", "assembler").Logger(),
		metrics:    metrics,
	}
}

// Assemble runs one pass over every allocation entry and returns the pairs
// it produced, sorted by id. Entries whose request no longer exists are
// skipped. If any request lookup fails for another reason the proxy is not
// updated, so a partial pair set is never published.
func (a *Assembler) Assemble(ctx context.Context) ([]Pair, error) {
	entries, err := a.store.List(ctx, a.keys.Allocations())
	if err != nil {
		return nil, err
	}

	tasks := make([]allocationTask, 0, len(entries))
	for key, data := range entries {
		id, ok := IDFromKey(a.keys.Allocations(), key)
		if !ok {
			continue
		}
		var record AllocationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			a.logger.Warn().Err(err).Str("user_id", id).Msg("skipping malformed allocation record")
			continue
		}
		if !record.Complete() {
			continue
		}
		tasks = append(tasks, allocationTask{id: id, record: record})
	}

	var (
		mu      sync.Mutex
		pairs   []Pair
		lookups []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(assemblerConcurrency)
	for _, task := range tasks {
		g.Go(func() error {
			pair, ok, err := a.assembleOne(gctx, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lookups = append(lookups, err)
				return nil
			}
			if ok {
				pairs = append(pairs, pair)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })

	if err := errors.Join(lookups...); err != nil {
		return pairs, err
	}

	if a.proxy != nil {
		if err := a.proxy.UpdatePairs(ctx, pairs); err != nil {
			a.metrics.RecordProxyPublish("error")
			return pairs, err
		}
		a.metrics.RecordProxyPublish("ok")
		a.logger.Debug().Int("pairs", len(pairs)).Msg("proxy routes updated")
	}
	return pairs, nil
}

func (a *Assembler) assembleOne(ctx context.Context, task allocationTask) (Pair, bool, error) {
	req, err := a.requests.Get(ctx, task.id)
	switch {
	case IsNotFound(err):
		// Stale entry; the teardown path deletes it.
		return Pair{}, false, nil
	case IsMalformed(err):
		a.logger.Warn().Err(err).Str("user_id", task.id).Msg("skipping pair for malformed request")
		return Pair{}, false, nil
	case err != nil:
		return Pair{}, false, err
	}

	pair := NewPair(task.id, &task.record, req)
	if a.notifier != nil {
		a.notifier.Notify(task.id, AddressNotification(a.addressing.ConnectionInfo(pair)))
	}
	return pair, true, nil
}
