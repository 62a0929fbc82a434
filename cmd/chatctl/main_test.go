package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newFakeDaemon(t *testing.T, ready bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	state := "AWAITING_CREDENTIAL"
	if ready {
		state = "READY"
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test
			"status": "alive", "clientState": state, "sessionId": "primary", "reconnectAttempts": 2, "webhookUrlSet": true,
		})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{"state": state}) //nolint:errcheck // test
	})
	mux.HandleFunc("POST /send-message", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["groupId"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "client not ready"}) //nolint:errcheck // test
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "messageId": "3EB0" + req["groupId"]}) //nolint:errcheck // test
	})
	mux.HandleFunc("POST /restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"}) //nolint:errcheck // test
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "restart initiated"}) //nolint:errcheck // test
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := newFakeDaemon(t, true)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-server", srv.URL, "status"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if got := out.String(); !strings.Contains(got, "READY session=primary reconnect_attempts=2") {
		t.Errorf("output = %q", got)
	}
}

func TestHealthCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-server", newFakeDaemon(t, true).URL, "health"}, &out); err != nil {
		t.Errorf("health on ready daemon error = %v", err)
	}
	out.Reset()
	err := run(context.Background(), []string{"-server", newFakeDaemon(t, false).URL, "health"}, &out)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("health on unready daemon error = %v, want 503", err)
	}
	if !strings.Contains(out.String(), "AWAITING_CREDENTIAL") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSendCommand(t *testing.T) {
	srv := newFakeDaemon(t, true)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-server", srv.URL, "send", "123", "hello", "there"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if got := out.String(); got != "sent 3EB0123\n" {
		t.Errorf("output = %q", got)
	}

	err := run(context.Background(), []string{"-server", newFakeDaemon(t, false).URL, "send", "123", "hi"}, &out)
	if err == nil || !strings.Contains(err.Error(), "client not ready") {
		t.Errorf("send on unready daemon error = %v", err)
	}
}

func TestRestartRequiresToken(t *testing.T) {
	srv := newFakeDaemon(t, true)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-server", srv.URL, "restart"}, &out); err == nil {
		t.Error("restart without token succeeded")
	}
	if err := run(context.Background(), []string{"-server", srv.URL, "-token", "admin", "restart"}, &out); err != nil {
		t.Errorf("restart with token error = %v", err)
	}
}

func TestDeliverCommand(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["text"] != "ping test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"deliver", hook.URL, "ping", "test"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("webhook hits = %d, want 1", hits.Load())
	}
	if !strings.HasPrefix(out.String(), "delivered chatctl-") {
		t.Errorf("output = %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"frobnicate"}, &out); err == nil {
		t.Error("unknown command succeeded")
	}
	if err := run(context.Background(), nil, &out); err == nil {
		t.Error("missing command succeeded")
	}
}
