package consul

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

// fakeConsul serves the subset of the Consul HTTP API the client uses.
type fakeConsul struct {
	mu       sync.Mutex
	index    uint64
	kv       map[string]*api.KVPair
	services map[string][]*api.ServiceEntry
	failures int
}

func newFakeConsul() *fakeConsul {
	return &fakeConsul{
		index:    10,
		kv:       make(map[string]*api.KVPair),
		services: make(map[string][]*api.ServiceEntry),
	}
}

func (f *fakeConsul) bump() uint64 {
	f.index++
	return f.index
}

func (f *fakeConsul) setService(name string, entries ...*api.ServiceEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[name] = entries
	f.bump()
}

func (f *fakeConsul) setIndex(index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = index
}

func (f *fakeConsul) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// block waits until the index moves past the requested one.
func (f *fakeConsul) block(r *http.Request) {
	wait, _ := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if wait == 0 {
		return
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.Context().Err() == nil {
		f.mu.Lock()
		moved := f.index != wait
		f.mu.Unlock()
		if moved {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		f.block(r)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Consul-Index", strconv.FormatUint(f.index, 10))

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		f.serveKV(w, r, strings.TrimPrefix(r.URL.Path, "/v1/kv/"))
	case r.URL.Path == "/v1/catalog/services":
		out := make(map[string][]string, len(f.services))
		for name := range f.services {
			out[name] = []string{}
		}
		_ = json.NewEncoder(w).Encode(out)
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		entries := f.services[strings.TrimPrefix(r.URL.Path, "/v1/health/service/")]
		if entries == nil {
			entries = []*api.ServiceEntry{}
		}
		_ = json.NewEncoder(w).Encode(entries)
	case r.URL.Path == "/v1/status/leader":
		_, _ = io.WriteString(w, `"10.0.0.1:8300"`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeConsul) serveKV(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		var matched []*api.KVPair
		for k, p := range f.kv {
			if k == key || ((q.Has("keys") || q.Has("recurse")) && strings.HasPrefix(k, key)) {
				matched = append(matched, p)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
		if len(matched) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if q.Has("keys") {
			keys := make([]string, len(matched))
			for i, p := range matched {
				keys[i] = p.Key
			}
			_ = json.NewEncoder(w).Encode(keys)
			return
		}
		_ = json.NewEncoder(w).Encode(matched)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if q.Has("cas") {
			cas, _ := strconv.ParseUint(q.Get("cas"), 10, 64)
			var current uint64
			if p, ok := f.kv[key]; ok {
				current = p.ModifyIndex
			}
			if current != cas {
				_, _ = io.WriteString(w, "false")
				return
			}
		}
		f.kv[key] = &api.KVPair{Key: key, Value: body, ModifyIndex: f.bump()}
		_, _ = io.WriteString(w, "true")
	case http.MethodDelete:
		if _, ok := f.kv[key]; ok {
			delete(f.kv, key)
			f.bump()
		}
		_, _ = io.WriteString(w, "true")
	}
}

func setupClient(t *testing.T) (*Client, *fakeConsul) {
	t.Helper()
	fake := newFakeConsul()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{Address: srv.URL, WaitTime: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, fake
}

func TestKVGetPutDelete(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	if _, err := client.Get(ctx, "manticore/requests/u1"); !engine.IsNotFound(err) {
		t.Fatalf("Get() on absent key error = %v, want not found", err)
	}
	if v, idx, err := client.GetIndexed(ctx, "manticore/requests/u1"); err != nil || v != nil || idx != 0 {
		t.Fatalf("GetIndexed() on absent key = %q, %d, %v", v, idx, err)
	}

	if err := client.Put(ctx, "manticore/requests/u1", []byte(`{"id":"u1"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := client.Get(ctx, "manticore/requests/u1")
	if err != nil || string(got) != `{"id":"u1"}` {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if err := client.Delete(ctx, "manticore/requests/u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := client.Get(ctx, "manticore/requests/u1"); !engine.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}

func TestKVList(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	_ = client.Put(ctx, "manticore/allocation/u1", []byte("a1"))
	_ = client.Put(ctx, "manticore/allocation/u2", []byte("a2"))
	_ = client.Put(ctx, "manticore/waiting", []byte("w"))

	got, err := client.List(ctx, "manticore/allocation/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := map[string][]byte{
		"manticore/allocation/u1": []byte("a1"),
		"manticore/allocation/u2": []byte("a2"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	empty, err := client.List(ctx, "manticore/nothing/")
	if err != nil || len(empty) != 0 {
		t.Errorf("List() of empty prefix = %v, %v", empty, err)
	}
}

func TestKVCompareAndSwap(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	ok, err := client.CompareAndSwap(ctx, "manticore/waiting", []byte("v1"), 0)
	if err != nil || !ok {
		t.Fatalf("create-only CAS = %v, %v, want true", ok, err)
	}
	ok, err = client.CompareAndSwap(ctx, "manticore/waiting", []byte("v1"), 0)
	if err != nil || ok {
		t.Fatalf("create-only CAS on existing key = %v, %v, want false", ok, err)
	}

	_, idx, err := client.GetIndexed(ctx, "manticore/waiting")
	if err != nil {
		t.Fatalf("GetIndexed() error = %v", err)
	}
	if ok, _ := client.CompareAndSwap(ctx, "manticore/waiting", []byte("v2"), idx-1); ok {
		t.Error("CAS with a stale index succeeded")
	}
	if ok, _ := client.CompareAndSwap(ctx, "manticore/waiting", []byte("v2"), idx); !ok {
		t.Error("CAS with the current index failed")
	}
}

func TestKVErrorsAreTransient(t *testing.T) {
	client, fake := setupClient(t)
	fake.failNext(1)

	_, err := client.Get(context.Background(), "manticore/waiting")
	if !engine.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestKVWatch(t *testing.T) {
	client, fake := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan []string, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, "manticore/requests/", func(_ context.Context, keys []string) {
			calls <- keys
		})
	}()

	next := func() []string {
		t.Helper()
		select {
		case keys := <-calls:
			return keys
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for watch delivery")
			return nil
		}
	}

	if keys := next(); len(keys) != 0 {
		t.Fatalf("initial delivery = %v, want empty", keys)
	}

	_ = client.Put(ctx, "manticore/requests/u2", []byte("2"))
	_ = client.Put(ctx, "manticore/requests/u1", []byte("1"))
	for {
		keys := next()
		if len(keys) == 2 {
			if diff := cmp.Diff([]string{"manticore/requests/u1", "manticore/requests/u2"}, keys); diff != "" {
				t.Fatalf("keys mismatch (-want +got):\n%s", diff)
			}
			break
		}
	}

	// A backwards index (e.g. snapshot restore) still redelivers.
	fake.setIndex(2)
	if keys := next(); len(keys) != 2 {
		t.Fatalf("delivery after index reset = %v", keys)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() returned %v after cancel, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}

func TestWatchRetriesAfterFailure(t *testing.T) {
	client, fake := setupClient(t)
	fake.failNext(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan struct{}, 1)
	go func() {
		_ = client.Watch(ctx, "manticore/waiting", func(context.Context, []string) {
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-delivered:
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not recover after failures")
	}
}

func hmiEntry(id, address string, status string) *api.ServiceEntry {
	return &api.ServiceEntry{
		Node: &api.Node{Node: "client-1", Address: "10.0.0.7"},
		Service: &api.AgentService{
			ID:      "_nomad-task-" + id,
			Service: engine.HMIServiceName("u1"),
			Address: address,
			Port:    22000,
		},
		Checks: api.HealthChecks{
			{CheckID: "serfHealth", Name: "Serf Health Status", Status: api.HealthPassing},
			{CheckID: "c1", Name: engine.HMIAliveCheck, Status: status, ServiceID: "_nomad-task-" + id},
			{CheckID: "c2", Name: "other", Status: api.HealthCritical, ServiceID: "some-other-service"},
		},
	}
}

func TestGetService(t *testing.T) {
	client, fake := setupClient(t)
	fake.setService(engine.HMIServiceName("u1"),
		hmiEntry("a", "", api.HealthPassing),
		hmiEntry("b", "10.0.0.9", api.HealthCritical),
	)

	instances, err := client.GetService(context.Background(), engine.HMIServiceName("u1"))
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}

	if instances[0].Address != "10.0.0.7" {
		t.Errorf("address = %q, want node address fallback", instances[0].Address)
	}
	if !instances[0].Healthy(engine.HMIAliveCheck) {
		t.Errorf("instance %+v should be healthy", instances[0])
	}
	if instances[1].Healthy(engine.HMIAliveCheck) {
		t.Errorf("instance %+v should be unhealthy", instances[1])
	}
	if n := len(instances[0].Checks); n != 2 {
		t.Errorf("kept %d checks, want node check plus own check", n)
	}
}

func TestWatchServices(t *testing.T) {
	client, fake := setupClient(t)
	fake.setService("hmi-service-u1")
	fake.setService("core-service-u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []string, 4)
	go func() {
		_ = client.WatchServices(ctx, func(_ context.Context, names []string) {
			got <- names
		})
	}()

	select {
	case names := <-got:
		if diff := cmp.Diff([]string{"core-service-u1", "hmi-service-u1"}, names); diff != "" {
			t.Errorf("names mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for catalog delivery")
	}
}

func TestWatchService(t *testing.T) {
	client, fake := setupClient(t)
	fake.setService(engine.HMIServiceName("u1"), hmiEntry("a", "10.0.0.8", api.HealthPassing))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []engine.ServiceInstance, 8)
	done := make(chan error, 1)
	go func() {
		done <- client.WatchService(ctx, engine.HMIServiceName("u1"), func(_ context.Context, instances []engine.ServiceInstance) {
			got <- instances
		})
	}()

	next := func() []engine.ServiceInstance {
		t.Helper()
		select {
		case instances := <-got:
			return instances
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for service delivery")
			return nil
		}
	}

	first := next()
	if len(first) != 1 || first[0].Address != "10.0.0.8" || !first[0].Healthy(engine.HMIAliveCheck) {
		t.Fatalf("first delivery = %+v, want one healthy instance", first)
	}

	fake.setService(engine.HMIServiceName("u1"), hmiEntry("a", "10.0.0.8", api.HealthCritical))
	second := next()
	if len(second) != 1 || second[0].Healthy(engine.HMIAliveCheck) {
		t.Fatalf("second delivery = %+v, want one unhealthy instance", second)
	}

	fake.setService(engine.HMIServiceName("u1"))
	if gone := next(); len(gone) != 0 {
		t.Fatalf("delivery after deregistration = %+v, want empty", gone)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchService() returned %v after cancel, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WatchService did not stop after cancel")
	}
}

func TestLeader(t *testing.T) {
	client, _ := setupClient(t)
	leader, err := client.Leader()
	if err != nil || leader != "10.0.0.1:8300" {
		t.Errorf("Leader() = %q, %v", leader, err)
	}
}
