package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// UpdateWatches diffs the active watch names against the desired ones,
// calling onStop for every name no longer desired and onStart for every
// newly desired name. Both are called in sorted order. Calling it again
// with the resulting state makes no calls.
func UpdateWatches(active, desired []string, onStop, onStart func(name string)) {
	activeSet := toSet(active)
	desiredSet := toSet(desired)

	for _, name := range sortedKeys(activeSet) {
		if !desiredSet[name] {
			onStop(name)
		}
	}
	for _, name := range sortedKeys(desiredSet) {
		if !activeSet[name] {
			onStart(name)
		}
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ServiceKind classifies a tracked catalog service.
type ServiceKind int

const (
	ServiceUntracked ServiceKind = iota
	ServiceCore
	ServiceHMI
)

func (k ServiceKind) String() string {
	switch k {
	case ServiceCore:
		return "core"
	case ServiceHMI:
		return "hmi"
	default:
		return "untracked"
	}
}

// ParseServiceName classifies a service by prefix and extracts the user id
// embedded in its name.
func ParseServiceName(name string) (ServiceKind, string) {
	switch {
	case strings.HasPrefix(name, CoreServicePrefix):
		if id := strings.TrimPrefix(name, CoreServicePrefix); id != "" {
			return ServiceCore, id
		}
	case strings.HasPrefix(name, HMIServicePrefix):
		if id := strings.TrimPrefix(name, HMIServicePrefix); id != "" {
			return ServiceHMI, id
		}
	}
	return ServiceUntracked, ""
}

// TrackedServices filters a catalog listing down to core and HMI services.
func TrackedServices(names []string) []string {
	tracked := make([]string, 0, len(names))
	for _, name := range names {
		if kind, _ := ParseServiceName(name); kind != ServiceUntracked {
			tracked = append(tracked, name)
		}
	}
	return tracked
}

// WatchSet owns the per-service watch handles. Reconcile must only be
// called from the catalog watch callback; the mutex guards readers such
// as Names and Close.
type WatchSet struct {
	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

// NewWatchSet returns an empty watch registry.
func NewWatchSet() *WatchSet {
	return &WatchSet{watches: make(map[string]context.CancelFunc)}
}

// Names returns the names of every active watch, sorted.
func (s *WatchSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.watches))
	for name := range s.watches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of active watches.
func (s *WatchSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Reconcile stops watches for services no longer desired and calls start
// for each newly desired service. start returns the cancel func of the
// watch it launched.
func (s *WatchSet) Reconcile(desired []string, start func(name string) context.CancelFunc) {
	UpdateWatches(s.Names(), desired,
		func(name string) {
			s.mu.Lock()
			cancel := s.watches[name]
			delete(s.watches, name)
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		},
		func(name string) {
			cancel := start(name)
			s.mu.Lock()
			s.watches[name] = cancel
			s.mu.Unlock()
		},
	)
}

// Close cancels every watch.
func (s *WatchSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cancel := range s.watches {
		if cancel != nil {
			cancel()
		}
		delete(s.watches, name)
	}
}
