// Package realtime subscribes to row changes on the hosted backend over its
// websocket channel protocol and feeds them to the stores.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// Defaults.
const (
	HeartbeatInterval = 25 * time.Second
	MaxReconnectDelay = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is the backend base URL, e.g. https://xyz.example.co.
	URL    string
	APIKey string
	// Token returns the access token sent on join. It may be nil.
	Token func(ctx context.Context) (string, error)

	Logger    *slog.Logger
	Heartbeat time.Duration
	Dialer    *websocket.Dialer
}

// Client implements store.ChangeFeed. Every subscription holds its own
// connection and reconnects with backoff until unsubscribed.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New returns a client for cfg.
func New(cfg Config) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log.With("component", "realtime")}
}

// message is one frame of the channel protocol.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changePayload struct {
	Data struct {
		Table     string          `json:"table"`
		Type      string          `json:"type"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Subscribe implements store.ChangeFeed. The first connection is made
// synchronously so configuration errors surface to the caller.
func (c *Client) Subscribe(ctx context.Context, table, userID string, fn func(store.Change)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client: c,
		topic:  "realtime:" + table + ":" + userID,
		table:  table,
		userID: userID,
		fn:     fn,
		log:    c.log.With("table", table),
	}

	conn, err := sub.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.run(ctx, conn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

type subscription struct {
	client *Client
	topic  string
	table  string
	userID string
	fn     func(store.Change)
	log    *slog.Logger

	writeMu sync.Mutex
	ref     int
}

// run serves conn and reconnects whenever it drops.
func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	attempt := 0
	for {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("realtime connection lost", "error", err)

		for {
			attempt++
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			metrics.RealtimeReconnectsTotal.Inc()
			conn, err = s.connect(ctx)
			if err == nil {
				s.log.Info("realtime reconnected", "attempt", attempt)
				attempt = 0
				break
			}
			s.log.Warn("realtime reconnect failed", "attempt", attempt, "error", err)
		}
	}
}

// connect dials the backend and joins the channel for the table.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := socketURL(s.client.cfg.URL, s.client.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.client.cfg.APIKey != "" {
		header.Set("apikey", s.client.cfg.APIKey)
	}
	conn, _, err := s.client.cfg.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dialing realtime: %w", err)
	}

	token := ""
	if s.client.cfg.Token != nil {
		if token, err = s.client.cfg.Token(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("getting access token: %w", err)
		}
	}

	join, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": "public",
				"table":  s.table,
				"filter": "user_id=eq." + s.userID,
			}},
		},
		"access_token": token,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.send(conn, s.topic, "phx_join", join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining channel: %w", err)
	}
	return conn, nil
}

// serve reads frames until the connection fails or ctx is done.
func (s *subscription) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(s.client.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				s.writeMu.Unlock()
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := s.send(conn, "phoenix", "heartbeat", json.RawMessage(`{}`)); err != nil {
					s.log.Debug("heartbeat failed", "error", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		s.handle(msg)
	}
}

func (s *subscription) handle(msg message) {
	switch msg.Event {
	case "postgres_changes":
		var p changePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.log.Warn("malformed change payload", "error", err)
			return
		}
		change := store.Change{
			Table:  p.Data.Table,
			Type:   store.ChangeType(strings.ToUpper(p.Data.Type)),
			Record: p.Data.Record,
		}
		if change.Table == "" {
			change.Table = s.table
		}
		if change.Type == store.ChangeDelete {
			var old struct {
				ID string `json:"id"`
			}
			if len(p.Data.OldRecord) > 0 && json.Unmarshal(p.Data.OldRecord, &old) == nil {
				change.OldID = old.ID
			}
		}
		s.fn(change)

	case "phx_reply":
		var r replyPayload
		if json.Unmarshal(msg.Payload, &r) == nil && r.Status != "ok" {
			s.log.Warn("channel request rejected", "topic", msg.Topic, "status", r.Status, "response", string(r.Response))
		}

	case "phx_error", "system":
		s.log.Debug("channel event", "event", msg.Event, "payload", string(msg.Payload))
	}
}

func (s *subscription) send(conn *websocket.Conn, topic, event string, payload json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.ref++
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(message{Topic: topic, Event: event, Payload: payload, Ref: strconv.Itoa(s.ref)})
}

// socketURL turns the backend base URL into the websocket endpoint.
func socketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// backoff returns the delay before reconnect attempt n (1-based).
func backoff(n int) time.Duration {
	d := time.Second << min(n-1, 5)
	return min(d, MaxReconnectDelay)
}
