package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Mock store for testing
type mockStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	indexes map[string]uint64
	index   uint64
	puts    map[string]int
	failGet map[string]error
}

func newMockStore() *mockStore {
	return &mockStore{
		values:  make(map[string][]byte),
		indexes: make(map[string]uint64),
		puts:    make(map[string]int),
		failGet: make(map[string]error),
	}
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failGet[key]; err != nil {
		return nil, err
	}
	v, ok := m.values[key]
	if !ok {
		return nil, NewNotFoundError("key not found", nil).WithResource(key)
	}
	return append([]byte(nil), v...), nil
}

func (m *mockStore) GetIndexed(ctx context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), v...), m.indexes[key], nil
}

func (m *mockStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *mockStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value)
	return nil
}

func (m *mockStore) putLocked(key string, value []byte) {
	m.index++
	m.values[key] = append([]byte(nil), value...)
	m.indexes[key] = m.index
	m.puts[key]++
}

func (m *mockStore) CompareAndSwap(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexes[key] != index {
		return false, nil
	}
	m.putLocked(key, value)
	return true, nil
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.indexes, key)
	return nil
}

func (m *mockStore) Watch(ctx context.Context, prefix string, fn func(ctx context.Context, keys []string)) error {
	<-ctx.Done()
	return nil
}

func (m *mockStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *mockStore) putCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// Mock catalog for testing
type mockCatalog struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watching map[string]int
	stopped  map[string]int
	parented map[string]bool
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		services: make(map[string][]ServiceInstance),
		watching: make(map[string]int),
		stopped:  make(map[string]int),
		parented: make(map[string]bool),
	}
}

func (m *mockCatalog) WatchServices(ctx context.Context, fn func(ctx context.Context, names []string)) error {
	<-ctx.Done()
	return nil
}

// WatchService delivers the current instances once, then blocks until
// the watch is cancelled.
func (m *mockCatalog) WatchService(ctx context.Context, name string, fn func(ctx context.Context, instances []ServiceInstance)) error {
	m.mu.Lock()
	instances := append([]ServiceInstance(nil), m.services[name]...)
	m.watching[name]++
	m.parented[name] = trace.SpanContextFromContext(ctx).IsValid()
	m.mu.Unlock()

	fn(ctx, instances)
	<-ctx.Done()

	m.mu.Lock()
	m.stopped[name]++
	m.mu.Unlock()
	return nil
}

func (m *mockCatalog) hasParentSpan(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parented[name]
}

func (m *mockCatalog) stopCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[name]
}

func (m *mockCatalog) GetService(ctx context.Context, name string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.services[name]...), nil
}

func (m *mockCatalog) set(name string, instances ...ServiceInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = instances
}

// Mock scheduler for testing
type mockScheduler struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	allocations map[string]*Allocation
	submitted   []*Job
	deleted     []string
	deleteErr   error
	submitErr   error
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{
		jobs:        make(map[string]*Job),
		allocations: make(map[string]*Allocation),
	}
}

func cloneJob(j *Job) *Job {
	data, _ := json.Marshal(j)
	var out Job
	_ = json.Unmarshal(data, &out)
	return &out
}

func (m *mockScheduler) FindJob(ctx context.Context, name string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	if !ok {
		return nil, NewNotFoundError("job not found", nil).WithResource(name)
	}
	return cloneJob(j), nil
}

func (m *mockScheduler) SubmitJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.jobs[job.Name] = cloneJob(job)
	m.submitted = append(m.submitted, cloneJob(job))
	return nil
}

func (m *mockScheduler) DeleteJob(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.jobs, name)
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *mockScheduler) ListJobs(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.jobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *mockScheduler) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return nil, NewNotFoundError("allocation not found", nil).WithResource(id)
	}
	return a, nil
}

func (m *mockScheduler) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

func (m *mockScheduler) jobNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *mockScheduler) job(name string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[name]; ok {
		return cloneJob(j)
	}
	return nil
}

// Mock capacity probe for testing
type mockProbe struct {
	mu        sync.Mutex
	available bool
	calls     int
}

func (m *mockProbe) HasCapacity(ctx context.Context, waiting int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.available, nil
}

// Mock proxy for testing
type mockProxy struct {
	mu      sync.Mutex
	pairs   [][]Pair
	webApps [][]string
}

func (m *mockProxy) UpdatePairs(ctx context.Context, pairs []Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs = append(m.pairs, pairs)
	return nil
}

func (m *mockProxy) UpdateWebApps(ctx context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webApps = append(m.webApps, addresses)
	return nil
}

func (m *mockProxy) webAppUpdates() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.webApps...)
}

// Mock notifier for testing
type mockNotifier struct {
	mu     sync.Mutex
	sent   map[string][]Notification
	pruned [][]string
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{sent: make(map[string][]Notification)}
}

func (m *mockNotifier) Notify(id string, n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[id] = append(m.sent[id], n)
}

func (m *mockNotifier) Prune(active []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, active)
}

func (m *mockNotifier) last(id string) (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := m.sent[id]
	if len(sent) == 0 {
		return Notification{}, false
	}
	return sent[len(sent)-1], true
}

type testEnv struct {
	store     *mockStore
	catalog   *mockCatalog
	scheduler *mockScheduler
	probe     *mockProbe
	proxy     *mockProxy
	notifier  *mockNotifier
	ctrl      *Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     newMockStore(),
		catalog:   newMockCatalog(),
		scheduler: newMockScheduler(),
		probe:     &mockProbe{available: true},
		proxy:     &mockProxy{},
		notifier:  newMockNotifier(),
	}

	logger := zerolog.Nop()
	ctrl, err := NewController(Options{
		Store:      env.store,
		Catalog:    env.catalog,
		Scheduler:  env.scheduler,
		Probe:      env.probe,
		Proxy:      env.proxy,
		Notifier:   env.notifier,
		Keys:       DefaultKeyspace,
		TCPPorts:   PortRange{Min: 5000, Max: 5010},
		Addressing: Addressing{ProxyEnabled: true, Domain: "example.com", HTTPPort: 80},
		Logger:     &logger,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	env.ctrl = ctrl
	return env
}

func (e *testEnv) waiting(t *testing.T) *WaitingList {
	t.Helper()
	data, _, err := e.store.GetIndexed(context.Background(), DefaultKeyspace.Waiting())
	if err != nil {
		t.Fatalf("GetIndexed(waiting) error = %v", err)
	}
	w, err := ParseWaitingList(data)
	if err != nil {
		t.Fatalf("ParseWaitingList() error = %v", err)
	}
	return w
}

func (e *testEnv) submit(t *testing.T, id string) *UserRequest {
	t.Helper()
	req, err := e.ctrl.Requests().Submit(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	return req
}

const (
	hmiAllocID  = "6c3a1e2f-1b2c-4d5e-8f90-a1b2c3d4e5f6"
	coreAllocID = "0f1e2d3c-4b5a-4968-8776-655443322110"
)

func coreInstance(id string) ServiceInstance {
	return ServiceInstance{
		ID:      "_nomad-task-" + coreAllocID + "-core-group-" + id + "-core-hmi",
		Name:    CoreServiceName(id),
		Address: "10.0.0.5",
		Port:    21000,
		Checks:  []HealthCheck{{CheckID: "serfHealth", Name: "Serf Health Status", Status: HealthPassing}},
	}
}

func hmiInstance(id string) ServiceInstance {
	return ServiceInstance{
		ID:      "_nomad-task-" + hmiAllocID + "-hmi-group-" + id + "-hmi-user",
		Name:    HMIServiceName(id),
		Address: "10.0.0.7",
		Port:    22000,
		Checks: []HealthCheck{
			{CheckID: "serfHealth", Name: "Serf Health Status", Status: HealthPassing},
			{CheckID: "hmi-check", Name: HMIAliveCheck, Status: HealthPassing},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
