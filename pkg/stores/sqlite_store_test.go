package stores

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		PollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err == nil {
		t.Error("Migrate before Init should fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that migrations are applied and idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"kv", "kv_index", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestGetPutDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "manticore/requests/u1"); !engine.IsNotFound(err) {
		t.Fatalf("Get() on absent key error = %v, want not found", err)
	}
	if v, idx, err := store.GetIndexed(ctx, "manticore/requests/u1"); err != nil || v != nil || idx != 0 {
		t.Fatalf("GetIndexed() on absent key = %q, %d, %v", v, idx, err)
	}

	if err := store.Put(ctx, "manticore/requests/u1", []byte(`{"id":"u1"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(ctx, "manticore/requests/u1")
	if err != nil || string(got) != `{"id":"u1"}` {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if err := store.Delete(ctx, "manticore/requests/u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "manticore/requests/u1"); err != nil {
		t.Fatalf("Delete() of absent key error = %v", err)
	}
	if _, err := store.Get(ctx, "manticore/requests/u1"); !engine.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}

func TestPutBumpsModifyIndex(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, "a", []byte("1"))
	_, first, _ := store.GetIndexed(ctx, "a")
	_ = store.Put(ctx, "b", []byte("1"))
	_ = store.Put(ctx, "a", []byte("2"))
	_, second, _ := store.GetIndexed(ctx, "a")

	if first == 0 || second <= first {
		t.Errorf("modify index did not advance: %d then %d", first, second)
	}
}

func TestList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for key, value := range map[string]string{
		"manticore/requests/u1": "1",
		"manticore/requests/u2": "2",
		"manticore/waiting":     "w",
		"manticore/requestsX":   "x",
		"other/requests/u3":     "3",
	} {
		if err := store.Put(ctx, key, []byte(value)); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	got, err := store.List(ctx, "manticore/requests/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := map[string][]byte{
		"manticore/requests/u1": []byte("1"),
		"manticore/requests/u2": []byte("2"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	keys, err := store.Keys(ctx, "manticore/")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 4 {
		t.Errorf("Keys() = %v, want 4 keys", keys)
	}
}

func TestCompareAndSwap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := "manticore/waiting"

	ok, err := store.CompareAndSwap(ctx, key, []byte("v1"), 0)
	if err != nil || !ok {
		t.Fatalf("create-only CAS = %v, %v, want true", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, key, []byte("again"), 0)
	if err != nil || ok {
		t.Fatalf("create-only CAS on existing key = %v, %v, want false", ok, err)
	}

	_, idx, _ := store.GetIndexed(ctx, key)
	ok, err = store.CompareAndSwap(ctx, key, []byte("v2"), idx+7)
	if err != nil || ok {
		t.Fatalf("CAS with stale index = %v, %v, want false", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, key, []byte("v2"), idx)
	if err != nil || !ok {
		t.Fatalf("CAS with current index = %v, %v, want true", ok, err)
	}

	got, _ := store.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("value = %q, want v2", got)
	}
}

func TestCompareAndSwapRace(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSwap(ctx, "manticore/requests/u1", []byte("x"), 0)
			if err != nil {
				t.Errorf("CAS error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d writers won a create-only CAS, want 1", wins)
	}
}

func TestWatchDeliversOnChange(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan []string, 16)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, "manticore/requests/", func(_ context.Context, keys []string) {
			calls <- keys
		})
	}()

	expect := func(want []string) {
		t.Helper()
		select {
		case got := <-calls:
			if len(want) == 0 && len(got) == 0 {
				return
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("watch keys mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for watch delivery of %v", want)
		}
	}

	// Initial delivery happens even for an empty prefix.
	expect(nil)

	_ = store.Put(ctx, "manticore/requests/u1", []byte("1"))
	expect([]string{"manticore/requests/u1"})

	// Updating a value redelivers the same key set.
	_ = store.Put(ctx, "manticore/requests/u1", []byte("2"))
	expect([]string{"manticore/requests/u1"})

	_ = store.Delete(ctx, "manticore/requests/u1")
	expect(nil)

	// Writes outside the prefix do not trigger.
	_ = store.Put(ctx, "manticore/waiting", []byte("w"))
	select {
	case got := <-calls:
		t.Fatalf("unexpected delivery %v for write outside prefix", got)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}

func TestEventJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []telemetry.Event{
		{ID: "e1", Timestamp: now, Type: telemetry.EventTypeUserEnqueued, Source: "controller", UserID: "u1", Message: "queued"},
		{ID: "e2", Timestamp: now.Add(time.Second), Type: telemetry.EventTypeUserAdmitted, Source: "controller", UserID: "u1", Message: "admitted",
			Data: map[string]interface{}{"position": float64(1)}},
		{ID: "e3", Timestamp: now.Add(2 * time.Second), Type: telemetry.EventTypeUserEnqueued, Source: "controller", UserID: "u2", Message: "queued"},
	}
	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	// Duplicate IDs are ignored.
	if err := store.AppendEvent(ctx, events[0]); err != nil {
		t.Fatalf("duplicate AppendEvent() error = %v", err)
	}

	forU1, err := store.GetEvents(ctx, EventQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(forU1) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(forU1))
	}
	if forU1[0].ID != "e2" {
		t.Errorf("newest event = %s, want e2", forU1[0].ID)
	}
	if forU1[0].Data["position"] != float64(1) {
		t.Errorf("event data = %v", forU1[0].Data)
	}
	if forU1[1].Level != telemetry.EventLevelInfo {
		t.Errorf("default level = %q, want info", forU1[1].Level)
	}

	enqueued, err := store.GetEvents(ctx, EventQuery{Type: telemetry.EventTypeUserEnqueued, Limit: 1})
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(enqueued) != 1 || enqueued[0].ID != "e3" {
		t.Errorf("limited query = %+v, want only e3", enqueued)
	}
}

func TestJournalSubscriber(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	publisher.Subscribe(store.JournalSubscriber(ctx), nil)

	if err := publisher.PublishUserEvent(telemetry.EventTypeRequestRemoved, "api", "u9", "removed", nil); err != nil {
		t.Fatalf("PublishUserEvent() error = %v", err)
	}

	got, err := store.GetEvents(ctx, EventQuery{UserID: "u9"})
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 1 || got[0].Type != telemetry.EventTypeRequestRemoved {
		t.Errorf("journal = %+v, want one removal event", got)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
