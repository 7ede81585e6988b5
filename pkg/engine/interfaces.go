package engine

import "context"

// Store is the key-value store holding requests, the waiting list and
// allocation records. It is the sole source of truth for those records.
type Store interface {
	// Get returns the value of key, or a NotFound error when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetIndexed returns the value of key together with its modify index.
	// An absent key returns a nil value, index 0 and no error.
	GetIndexed(ctx context.Context, key string) ([]byte, uint64, error)

	// List returns every key under prefix with its value.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Put writes key unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// CompareAndSwap writes key only if its modify index still equals index.
	// Index 0 means "only if absent". It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key string, value []byte, index uint64) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Watch delivers the full current key set under prefix to fn on every
	// change, level-triggered, until ctx is done.
	Watch(ctx context.Context, prefix string, fn func(ctx context.Context, keys []string)) error
}

// Catalog is the service catalog.
type Catalog interface {
	// WatchServices delivers the names of every registered service on every
	// change until ctx is done.
	WatchServices(ctx context.Context, fn func(ctx context.Context, names []string)) error

	// WatchService delivers every instance of one service, with health, on
	// every change until ctx is done.
	WatchService(ctx context.Context, name string, fn func(ctx context.Context, instances []ServiceInstance)) error

	// GetService returns the current instances of a service with health.
	GetService(ctx context.Context, name string) ([]ServiceInstance, error)
}

// Scheduler is the job scheduler.
type Scheduler interface {
	// FindJob returns the named live job, or a NotFound error.
	FindJob(ctx context.Context, name string) (*Job, error)

	// SubmitJob registers or updates a job.
	SubmitJob(ctx context.Context, job *Job) error

	// DeleteJob stops and purges a job. Deleting an absent job is not an error.
	DeleteJob(ctx context.Context, name string) error

	// ListJobs returns the names of live jobs whose name starts with prefix.
	ListJobs(ctx context.Context, prefix string) ([]string, error)

	// GetAllocation returns an allocation's network resources, or a NotFound error.
	GetAllocation(ctx context.Context, id string) (*Allocation, error)
}

// LogSource follows the output of a user's running core.
type LogSource interface {
	// StreamCoreLogs calls emit with each chunk of stdout from the start of
	// the user's core task until ctx is done, the task exits, or emit fails.
	// A user without a running core gets a NotFound error.
	StreamCoreLogs(ctx context.Context, id string, emit func([]byte) error) error
}

// CapacityProbe decides whether another core may be started.
type CapacityProbe interface {
	HasCapacity(ctx context.Context, waiting int) (bool, error)
}

// ProxyUpdater regenerates and republishes full proxy routing state.
type ProxyUpdater interface {
	// UpdatePairs replaces every core/HMI route with pairs.
	UpdatePairs(ctx context.Context, pairs []Pair) error

	// UpdateWebApps replaces the control-plane backends with addresses.
	UpdateWebApps(ctx context.Context, addresses []string) error
}

// Notifier delivers updates to a user's client connection. Delivery is
// best effort and never retried.
type Notifier interface {
	Notify(id string, n Notification)

	// Prune drops connections of users not in active.
	Prune(active []string)
}
