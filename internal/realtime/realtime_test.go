package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

var upgrader = websocket.Upgrader{}

// fakeBackend accepts channel joins and lets the test push frames.
type fakeBackend struct {
	t     *testing.T
	srv   *httptest.Server
	joins chan message
	conns chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{t: t, joins: make(chan message, 10), conns: make(chan *websocket.Conn, 10)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var join message
		if err := conn.ReadJSON(&join); err != nil {
			conn.Close()
			return
		}
		b.joins <- join
		b.conns <- conn
		// Drain heartbeats until the client goes away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) conn() *websocket.Conn {
	select {
	case c := <-b.conns:
		return c
	case <-time.After(5 * time.Second):
		b.t.Fatal("no connection")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, typ, record, old string) {
	t.Helper()
	payload := `{"data":{"table":"projects","type":"` + typ + `","record":` + record + `,"old_record":` + old + `}}`
	err := conn.WriteJSON(message{Topic: "realtime:projects:u1", Event: "postgres_changes", Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

type changes struct {
	mu  sync.Mutex
	got []store.Change
	ch  chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 10)} }

func (c *changes) add(ch store.Change) {
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) wait(t *testing.T, n int) []store.Change {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for change %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Change(nil), c.got...)
}

func TestSubscribeJoinsAndDeliversChanges(t *testing.T) {
	b := newFakeBackend(t)
	c := New(Config{
		URL:    b.srv.URL,
		APIKey: "anon",
		Token:  func(context.Context) (string, error) { return "jwt-token", nil },
	})

	got := newChanges()
	unsubscribe, err := c.Subscribe(context.Background(), "projects", "u1", got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	join := <-b.joins
	if join.Event != "phx_join" || join.Topic != "realtime:projects:u1" {
		t.Errorf("join = %+v", join)
	}
	payload := string(join.Payload)
	for _, want := range []string{`"table":"projects"`, `"filter":"user_id=eq.u1"`, `"access_token":"jwt-token"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("join payload %s missing %s", payload, want)
		}
	}

	conn := b.conn()
	push(t, conn, "INSERT", `{"id":"p1","title":"Hat"}`, `null`)
	push(t, conn, "DELETE", `null`, `{"id":"p1"}`)

	changes := got.wait(t, 2)
	if changes[0].Type != store.ChangeInsert || changes[0].Table != "projects" || !strings.Contains(string(changes[0].Record), `"p1"`) {
		t.Errorf("insert = %+v", changes[0])
	}
	if changes[1].Type != store.ChangeDelete || changes[1].OldID != "p1" {
		t.Errorf("delete = %+v", changes[1])
	}
}

func TestSubscribeReconnects(t *testing.T) {
	b := newFakeBackend(t)
	c := New(Config{URL: b.srv.URL, APIKey: "anon"})

	got := newChanges()
	unsubscribe, err := c.Subscribe(context.Background(), "projects", "u1", got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	before := testutil.ToFloat64(metrics.RealtimeReconnectsTotal)
	b.conn().Close()

	conn := b.conn()
	push(t, conn, "UPDATE", `{"id":"p2"}`, `null`)
	changes := got.wait(t, 1)
	if changes[0].Type != store.ChangeUpdate {
		t.Errorf("change = %+v", changes[0])
	}
	if after := testutil.ToFloat64(metrics.RealtimeReconnectsTotal); after <= before {
		t.Errorf("reconnect counter did not grow: %v -> %v", before, after)
	}
}

func TestSubscribeDialError(t *testing.T) {
	c := New(Config{URL: "ftp://example.com"})
	if _, err := c.Subscribe(context.Background(), "projects", "u1", func(store.Change) {}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"https://abc.example.co", "wss://abc.example.co/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
		{"http://localhost:54321/", "ws://localhost:54321/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
	}
	for _, tt := range tests {
		got, err := socketURL(tt.base, "k")
		if err != nil || got != tt.want {
			t.Errorf("socketURL(%q) = %q, %v; want %q", tt.base, got, err, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, MaxReconnectDelay},
		{20, MaxReconnectDelay},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
