package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePostgREST implements the slice of PostgREST the backend uses.
type fakePostgREST struct {
	rows     map[string]postgrestRow
	failNext atomic.Int32 // respond 503 this many times
	requests atomic.Int32
	apiKey   string
	mu       sync.Mutex
}

func newFakePostgREST(t *testing.T, apiKey string) (*fakePostgREST, *httptest.Server) {
	t.Helper()
	f := &fakePostgREST{rows: make(map[string]postgrestRow), apiKey: apiKey}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if r.Header.Get("apikey") != f.apiKey || r.Header.Get("Authorization") != "Bearer "+f.apiKey {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	if r.URL.Path != "/rest/v1/"+DefaultPostgRESTTable {
		http.Error(w, "no such table", http.StatusNotFound)
		return
	}
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	key := strings.TrimPrefix(r.URL.Query().Get("session_key"), "eq.")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		n := 0
		if _, ok := f.rows[key]; ok {
			n = 1
		}
		if n == 0 {
			w.Header().Set("Content-Range", "*/0")
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("0-0/%d", n))
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		out := []postgrestRow{}
		if row, ok := f.rows[key]; ok {
			out = append(out, postgrestRow{SessionData: row.SessionData, UpdatedAt: row.UpdatedAt})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out) //nolint:errcheck // test server
	case http.MethodPost:
		if r.URL.Query().Get("on_conflict") != "session_key" ||
			!strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates") {
			http.Error(w, `{"code":"23505","message":"duplicate key"}`, http.StatusConflict)
			return
		}
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		var rows []postgrestRow
		if err := json.Unmarshal(body, &rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range rows {
			f.rows[row.SessionKey] = row
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		delete(f.rows, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestPostgRESTBackend(t *testing.T) {
	f, srv := newFakePostgREST(t, "anon-key")
	b, err := NewPostgREST(PostgRESTConfig{URL: srv.URL + "/", APIKey: "anon-key"})
	if err != nil {
		t.Fatalf("NewPostgREST: %v", err)
	}
	exerciseBackend(t, b)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) != 0 {
		t.Errorf("rows left after Remove: %v", f.rows)
	}
}

func TestPostgRESTRetriesServerErrors(t *testing.T) {
	f, srv := newFakePostgREST(t, "k")
	b, err := NewPostgREST(PostgRESTConfig{URL: srv.URL, APIKey: "k", Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	f.failNext.Store(2)
	err = b.Put(context.Background(), &Session{ID: "s", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Put after two 503s: %v", err)
	}
	if got := f.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}

	f.requests.Store(0)
	f.failNext.Store(5)
	if err := b.Remove(context.Background(), "s"); err == nil {
		t.Fatal("Remove with persistent 503 succeeded")
	}
	if got := f.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (bounded by attempts)", got)
	}
}

func TestPostgRESTUnauthorizedIsNotRetried(t *testing.T) {
	f, srv := newFakePostgREST(t, "right")
	b, err := NewPostgREST(PostgRESTConfig{URL: srv.URL, APIKey: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Has(context.Background(), "s")
	if err == nil {
		t.Fatal("Has with bad key succeeded")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status 401", err)
	}
	if got := f.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestNewPostgRESTValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PostgRESTConfig
	}{
		{"missing url", PostgRESTConfig{APIKey: "k"}},
		{"missing key", PostgRESTConfig{URL: "https://x.supabase.co"}},
		{"bad scheme", PostgRESTConfig{URL: "ftp://x", APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPostgREST(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestContentRangeTotal(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0-0/1", 1, false},
		{"*/0", 0, false},
		{"0-24/3573458", 3573458, false},
		{"0-0/*", 0, true},
		{"", 0, true},
		{"*/abc", 0, true},
	}
	for _, tt := range tests {
		got, err := contentRangeTotal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("contentRangeTotal(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("contentRangeTotal(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
