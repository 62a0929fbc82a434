package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

// mockBridge is a websocket server speaking the bridge protocol.
type mockBridge struct {
	server       *httptest.Server
	url          string
	onConnection func(*websocket.Conn)

	mu       sync.Mutex
	init     map[string]any
	authz    string
	received []map[string]any
}

func newMockBridge(t *testing.T, handshake []map[string]any) *mockBridge {
	t.Helper()
	m := &mockBridge{}

	wsHandler := websocket.Handler(func(ws *websocket.Conn) {
		if m.onConnection != nil {
			m.onConnection(ws)
			return
		}

		var init map[string]any
		if err := websocket.JSON.Receive(ws, &init); err != nil {
			t.Logf("Failed to read init: %v", err)
			return
		}
		m.mu.Lock()
		m.init = init
		m.mu.Unlock()

		for _, f := range handshake {
			if err := websocket.JSON.Send(ws, f); err != nil {
				return
			}
		}

		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			m.mu.Lock()
			m.received = append(m.received, msg)
			m.mu.Unlock()

			seq := msg["seq"]
			var reply map[string]any
			switch msg["type"] {
			case "ping":
				reply = map[string]any{"type": "pong", "seq": seq}
			case "status":
				reply = map[string]any{"type": "status_result", "seq": seq, "status": StatusConnected}
			case "send":
				if msg["to"] == "bad@g.us" {
					reply = map[string]any{"type": "send_result", "seq": seq, "error": "chat not found"}
				} else {
					reply = map[string]any{"type": "send_result", "seq": seq, "message_id": "msg-" + msg["to"].(string)}
				}
			case "quoted":
				reply = map[string]any{"type": "quoted_result", "seq": seq, "message_id": "q1", "text": "original text"}
			default:
				continue
			}
			if err := websocket.JSON.Send(ws, reply); err != nil {
				return
			}
		}
	})

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.authz = r.Header.Get("Authorization")
		m.mu.Unlock()
		wsHandler.ServeHTTP(w, r)
	}))
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http")
	return m
}

func (m *mockBridge) Close() {
	m.server.Close()
}

func newTestClient(t *testing.T, url string, session json.RawMessage) *Client {
	t.Helper()
	c, err := New(Options{
		URL:            url,
		Token:          "bridge-token",
		SessionID:      "primary",
		Session:        session,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Destroy(ctx) //nolint:errcheck // cleanup
	})
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing url", opts: Options{SessionID: "s"}},
		{name: "http url", opts: Options{URL: "http://example.com", SessionID: "s"}},
		{name: "missing session id", opts: Options{URL: "ws://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestInitializeSendsSessionAndEmitsHandshake(t *testing.T) {
	srv := newMockBridge(t, []map[string]any{
		{"type": "authenticated"},
		{"type": "session", "session": map[string]any{"token": "fresh"}},
		{"type": "ready"},
	})
	defer srv.Close()

	c := newTestClient(t, srv.url, json.RawMessage(`{"token":"old"}`))
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if ev := nextEvent(t, c); ev.Type != EventAuthenticated {
		t.Errorf("first event = %s, want %s", ev.Type, EventAuthenticated)
	}
	ev := nextEvent(t, c)
	if ev.Type != EventSession {
		t.Fatalf("second event = %s, want %s", ev.Type, EventSession)
	}
	if string(ev.Session) != `{"token":"fresh"}` {
		t.Errorf("session = %s", ev.Session)
	}
	if ev := nextEvent(t, c); ev.Type != EventReady {
		t.Errorf("third event = %s, want %s", ev.Type, EventReady)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.init["type"] != "init" || srv.init["session_id"] != "primary" {
		t.Errorf("init frame = %v", srv.init)
	}
	if sess, ok := srv.init["session"].(map[string]any); !ok || sess["token"] != "old" {
		t.Errorf("init session = %v", srv.init["session"])
	}
	if srv.authz != "Bearer bridge-token" {
		t.Errorf("Authorization = %q", srv.authz)
	}
}

func TestInitializeTwice(t *testing.T) {
	srv := newMockBridge(t, nil)
	defer srv.Close()

	c := newTestClient(t, srv.url, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c.Initialize(context.Background()); err == nil {
		t.Error("second Initialize() succeeded, want error")
	}
}

func TestInitializeUnreachable(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", nil)
	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() succeeded against closed port")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Destroy(ctx); err != nil {
		t.Errorf("Destroy() after failed Initialize error = %v", err)
	}
}

func TestRequests(t *testing.T) {
	srv := newMockBridge(t, nil)
	defer srv.Close()

	c := newTestClient(t, srv.url, nil)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	status, err := c.Status(ctx)
	if err != nil || status != StatusConnected {
		t.Errorf("Status() = %q, %v", status, err)
	}

	id, err := c.SendMessage(ctx, "123@g.us", "hello")
	if err != nil || id != "msg-123@g.us" {
		t.Errorf("SendMessage() = %q, %v", id, err)
	}

	_, err = c.SendMessage(ctx, "bad@g.us", "hello")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "chat not found" {
		t.Errorf("SendMessage(bad) error = %v, want RemoteError", err)
	}

	q, err := c.Quoted(ctx, "m1")
	if err != nil || q.Text != "original text" || q.ID != "q1" {
		t.Errorf("Quoted() = %+v, %v", q, err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	srv := newMockBridge(t, nil)
	defer srv.Close()

	c := newTestClient(t, srv.url, nil)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			to := strings.Repeat("9", i+1) + "@g.us"
			id, err := c.SendMessage(ctx, to, "x")
			if err != nil {
				errs <- err
				return
			}
			if id != "msg-"+to {
				errs <- errors.New("reply routed to wrong request: " + id)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", nil)
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Status() error = %v, want ErrClosed", err)
	}
}

func TestMessageAndFailureEvents(t *testing.T) {
	srv := newMockBridge(t, []map[string]any{
		{"type": "qr", "code": "2@abc"},
		{"type": "message", "payload": map[string]any{
			"id": "m1", "from": "123@g.us", "author": "555@c.us", "body": "hi", "timestamp": 1700000000, "has_quoted": true,
		}},
		{"type": "auth_failure", "message": "bad credentials"},
	})
	defer srv.Close()

	c := newTestClient(t, srv.url, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if ev := nextEvent(t, c); ev.Type != EventQR || ev.QR != "2@abc" {
		t.Errorf("qr event = %+v", ev)
	}
	ev := nextEvent(t, c)
	if ev.Type != EventMessage || ev.Message == nil {
		t.Fatalf("message event = %+v", ev)
	}
	if ev.Message.SenderID() != "555@c.us" || !ev.Message.HasQuoted {
		t.Errorf("message = %+v", ev.Message)
	}
	if got := ev.Message.Time(); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Time() = %v", got)
	}
	ev = nextEvent(t, c)
	if ev.Type != EventAuthFailure || ev.Reason != "bad credentials" || ev.Err == nil {
		t.Errorf("auth failure event = %+v", ev)
	}
}

func TestServerCloseEmitsDisconnected(t *testing.T) {
	srv := newMockBridge(t, nil)
	defer srv.Close()
	srv.onConnection = func(ws *websocket.Conn) {
		var init map[string]any
		_ = websocket.JSON.Receive(ws, &init) //nolint:errcheck // test
		ws.Close()
	}

	c := newTestClient(t, srv.url, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if ev := nextEvent(t, c); ev.Type != EventDisconnected {
		t.Errorf("event = %s, want %s", ev.Type, EventDisconnected)
	}
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected events channel to close after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed")
	}
}

func TestDestroyIsIdempotentAndSilent(t *testing.T) {
	srv := newMockBridge(t, nil)
	defer srv.Close()

	c := newTestClient(t, srv.url, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Destroy(ctx) //nolint:errcheck // concurrent destroy
		}()
	}
	wg.Wait()

	for ev := range c.Events() {
		if ev.Type == EventDisconnected {
			t.Error("Destroy() produced a disconnected event")
		}
	}
	if _, err := c.Status(ctx); err == nil {
		t.Error("Status() after Destroy succeeded")
	}
}

func TestDestroyBeforeInitialize(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", nil)
	if err := c.Destroy(context.Background()); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize() after Destroy error = %v, want ErrClosed", err)
	}
}

func TestPingsAreSent(t *testing.T) {
	pings := make(chan struct{}, 10)
	srv := newMockBridge(t, nil)
	defer srv.Close()
	srv.onConnection = func(ws *websocket.Conn) {
		var init map[string]any
		if err := websocket.JSON.Receive(ws, &init); err != nil {
			return
		}
		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if msg["type"] == "ping" {
				pings <- struct{}{}
			}
		}
	}

	c, err := New(Options{URL: srv.url, SessionID: "primary", PingInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Destroy(context.Background()) //nolint:errcheck // cleanup
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	for i := range 2 {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("ping %d not received", i+1)
		}
	}
}

func TestAnswersServerPing(t *testing.T) {
	pong := make(chan map[string]any, 1)
	srv := newMockBridge(t, nil)
	defer srv.Close()
	srv.onConnection = func(ws *websocket.Conn) {
		var init map[string]any
		if err := websocket.JSON.Receive(ws, &init); err != nil {
			return
		}
		if err := websocket.JSON.Send(ws, map[string]any{"type": "ping", "seq": 7}); err != nil {
			return
		}
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		pong <- msg
		<-time.After(time.Second)
	}

	c := newTestClient(t, srv.url, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	select {
	case msg := <-pong:
		if msg["type"] != "pong" || msg["seq"] != float64(7) {
			t.Errorf("reply = %v, want pong seq 7", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
