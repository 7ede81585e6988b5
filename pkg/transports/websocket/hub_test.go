package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub(DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.URL.Query().Get("id"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) engine.Notification {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var n engine.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("bad message %q: %v", data, err)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubReplaysLastNotification(t *testing.T) {
	hub, srv := newTestHub(t)

	hub.Notify("u1", engine.PositionNotification(3))
	hub.Notify("u1", engine.PositionNotification(2))

	conn := dial(t, srv, "u1")
	n := readNotification(t, conn)
	if n.Type != engine.NotificationPosition || n.Position != 2 {
		t.Errorf("replayed %+v, want position 2", n)
	}
}

func TestHubDeliversLiveNotifications(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "u1")
	waitFor(t, func() bool { return hub.Connected("u1") })

	hub.Notify("u1", engine.AddressNotification(engine.ConnectionInfo{
		UserAddress: "aaa.example.com:80",
		HMIAddress:  "bbb.example.com:80",
	}))
	hub.Notify("u2", engine.PositionNotification(1))

	n := readNotification(t, conn)
	if n.Type != engine.NotificationAddresses || n.Addresses == nil || n.Addresses.UserAddress != "aaa.example.com:80" {
		t.Errorf("received %+v", n)
	}
}

func TestHubPruneClosesReleasedUsers(t *testing.T) {
	hub, srv := newTestHub(t)
	released := dial(t, srv, "gone")
	dial(t, srv, "kept")
	waitFor(t, func() bool { return hub.Len() == 2 })
	hub.Notify("gone", engine.PositionNotification(1))
	_ = readNotification(t, released)

	hub.Prune([]string{"kept"})

	if hub.Connected("gone") || !hub.Connected("kept") {
		t.Errorf("connected after prune: gone=%v kept=%v", hub.Connected("gone"), hub.Connected("kept"))
	}
	_ = released.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := released.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after prune error = %v, want normal close", err)
	}

	// The cached notification is forgotten too.
	hub.mu.Lock()
	_, cached := hub.last["gone"]
	hub.mu.Unlock()
	if cached {
		t.Error("notification of released user still cached")
	}
}

func TestHubReconnectReplacesConnection(t *testing.T) {
	hub, srv := newTestHub(t)
	first := dial(t, srv, "u1")
	waitFor(t, func() bool { return hub.Connected("u1") })

	second := dial(t, srv, "u1")
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("old connection still open")
	}

	hub.Notify("u1", engine.PositionNotification(4))
	if n := readNotification(t, second); n.Position != 4 {
		t.Errorf("new connection received %+v", n)
	}
	if hub.Len() != 1 {
		t.Errorf("Len() = %d, want 1", hub.Len())
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub, err := NewHub(Config{
		SendBuffer:   1,
		WriteTimeout: time.Second,
		PingInterval: time.Second,
		PongTimeout:  2 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := &client{id: "u1", send: make(chan []byte, 1), done: make(chan struct{})}

	if !hub.enqueue(c, []byte("one")) {
		t.Error("first message should be queued")
	}
	if hub.enqueue(c, []byte("two")) {
		t.Error("second message should be dropped")
	}

	<-c.send
	c.close()
	if hub.enqueue(c, []byte("three")) {
		t.Error("closed client should not accept messages")
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	hub, err := NewHub(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	foreign := httptest.NewRequest(http.MethodGet, "/", nil)
	foreign.Header.Set("Origin", "https://evil.example.net")

	if !hub.checkOrigin(allowed) || hub.checkOrigin(foreign) {
		t.Error("origin check mismatch")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "zero buffer", modify: func(c *Config) { c.SendBuffer = 0 }, wantErr: true},
		{name: "no write timeout", modify: func(c *Config) { c.WriteTimeout = 0 }, wantErr: true},
		{name: "ping after pong timeout", modify: func(c *Config) { c.PingInterval = c.PongTimeout }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHubReplayPrecedesConcurrentNotification(t *testing.T) {
	for i := 0; i < 20; i++ {
		hub, srv := newTestHub(t)
		hub.Notify("u1", engine.PositionNotification(5))

		go hub.Notify("u1", engine.PositionNotification(4))
		conn := dial(t, srv, "u1")

		// Either the replay of 5 arrives before 4, or 4 was cached first
		// and is the only message. 4 is always the last one seen.
		var got []int
		for len(got) == 0 || got[len(got)-1] != 4 {
			got = append(got, readNotification(t, conn).Position)
			if len(got) > 2 {
				t.Fatalf("positions = %v, want [5 4] or [4]", got)
			}
		}

		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			t.Fatalf("stale message %s delivered after position 4 (seen %v)", data, got)
		}
	}
}

func newStreamServer(t *testing.T, hub *Hub, stream func(context.Context, func([]byte) error) error) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.StreamWS(w, r, r.URL.Query().Get("id"), stream)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamWSCarriesLogChunks(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newStreamServer(t, hub, func(ctx context.Context, emit func([]byte) error) error {
		for _, line := range []string{"booting\n", "ready\n"} {
			if err := emit([]byte(line)); err != nil {
				return err
			}
		}
		return nil
	})

	conn := dial(t, srv, "u1")
	for _, want := range []string{"booting\n", "ready\n"} {
		n := readNotification(t, conn)
		if n.Type != engine.NotificationLogs || n.Logs != want {
			t.Errorf("got %+v, want logs %q", n, want)
		}
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after the stream ended got %v, want a normal close", err)
	}
	if hub.Connected("u1") {
		t.Error("a stream connection must not register as the notification connection")
	}
}

func TestStreamWSReportsStreamError(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newStreamServer(t, hub, func(context.Context, func([]byte) error) error {
		return errors.New("no running core")
	})

	conn := dial(t, srv, "u1")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr || ce.Text != "no running core" {
		t.Errorf("close = %v, want internal error with the stream's reason", err)
	}
}

func TestStreamWSStopsWhenClientLeaves(t *testing.T) {
	hub, _ := newTestHub(t)
	stopped := make(chan struct{})
	srv := newStreamServer(t, hub, func(ctx context.Context, emit func([]byte) error) error {
		defer close(stopped)
		_ = emit([]byte("hello"))
		<-ctx.Done()
		return nil
	})

	conn := dial(t, srv, "u1")
	readNotification(t, conn)
	_ = conn.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept running after the client disconnected")
	}
}
