package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultPostgRESTTable matches the table used by earlier deployments.
	DefaultPostgRESTTable = "whatsapp_sessions"

	postgrestTimeout = 10 * time.Second
	maxResponseSize  = 8 << 20 // session blobs can be a few MB
)

// PostgRESTConfig configures a Supabase/PostgREST backed store.
type PostgRESTConfig struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	URL        string // project URL, e.g. https://xyz.supabase.co
	APIKey     string // anon or service key
	Table      string
	Attempts   uint
}

// PostgREST stores sessions in a table with columns session_key (primary
// key), session_data (jsonb) and updated_at.
type PostgREST struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	apiKey     string
	attempts   uint
}

type postgrestRow struct {
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	SessionKey  string          `json:"session_key,omitempty"`
	SessionData json.RawMessage `json:"session_data,omitempty"`
}

// NewPostgREST validates cfg and returns a backend.
func NewPostgREST(cfg PostgRESTConfig) (*PostgREST, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgrest: URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("postgrest: API key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("postgrest: parse URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("postgrest: unsupported scheme %q", base.Scheme)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultPostgRESTTable
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: postgrestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	return &PostgREST{
		httpClient: httpClient,
		logger:     logger.With("component", "postgrest"),
		endpoint:   base.String() + "/rest/v1/" + url.PathEscape(table),
		apiKey:     cfg.APIKey,
		attempts:   attempts,
	}, nil
}

// Name implements Backend.
func (*PostgREST) Name() string { return "postgrest" }

// Has implements Backend using a HEAD request with an exact count.
func (p *PostgREST) Has(ctx context.Context, id string) (bool, error) {
	q := url.Values{}
	q.Set("select", "session_key")
	q.Set("session_key", "eq."+id)

	var exists bool
	err := p.do(ctx, http.MethodHead, q, nil, map[string]string{"Prefer": "count=exact"},
		func(resp *http.Response, _ []byte) error {
			n, err := contentRangeTotal(resp.Header.Get("Content-Range"))
			if err != nil {
				return err
			}
			exists = n > 0
			return nil
		})
	return exists, err
}

// Get implements Backend.
func (p *PostgREST) Get(ctx context.Context, id string) (*Session, error) {
	q := url.Values{}
	q.Set("select", "session_data,updated_at")
	q.Set("session_key", "eq."+id)
	q.Set("limit", "1")

	var rows []postgrestRow
	err := p.do(ctx, http.MethodGet, q, nil, nil, func(_ *http.Response, body []byte) error {
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0].SessionData) == 0 || string(rows[0].SessionData) == "null" {
		return nil, ErrNotFound
	}

	s := &Session{ID: id, Data: rows[0].SessionData}
	if rows[0].UpdatedAt != nil {
		s.UpdatedAt = *rows[0].UpdatedAt
	}
	return s, nil
}

// Put implements Backend as an upsert on session_key.
func (p *PostgREST) Put(ctx context.Context, s *Session) error {
	updated := s.UpdatedAt
	body, err := json.Marshal([]postgrestRow{{
		SessionKey:  s.ID,
		SessionData: s.Data,
		UpdatedAt:   &updated,
	}})
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	q := url.Values{}
	q.Set("on_conflict", "session_key")
	return p.do(ctx, http.MethodPost, q, body, map[string]string{
		"Prefer": "resolution=merge-duplicates,return=minimal",
	}, nil)
}

// Remove implements Backend.
func (p *PostgREST) Remove(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("session_key", "eq."+id)
	return p.do(ctx, http.MethodDelete, q, nil, map[string]string{"Prefer": "return=minimal"}, nil)
}

// Close implements Backend.
func (p *PostgREST) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// do runs one request with retries on network errors and 5xx/429 responses.
// Other non-2xx statuses and handle errors are unrecoverable.
func (p *PostgREST) do(ctx context.Context, method string, q url.Values, body []byte,
	headers map[string]string, handle func(*http.Response, []byte) error,
) error {
	target := p.endpoint + "?" + q.Encode()
	var lastErr error

	err := retry.Do(
		func() error {
			var rdr io.Reader = http.NoBody
			if body != nil {
				rdr = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, target, rdr)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("apikey", p.apiKey)
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
			req.Header.Set("Accept", "application/json")
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := p.httpClient.Do(req)
			if err != nil {
				lastErr = fmt.Errorf("%s request failed: %w", method, err)
				p.logger.Warn("postgrest request failed (will retry)", "method", method, "error", err)
				return lastErr
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					p.logger.Debug("failed to close response body", "error", err)
				}
			}()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				lastErr = fmt.Errorf("failed to read response: %w", err)
				return lastErr
			}

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				if handle == nil {
					return nil
				}
				if err := handle(resp, respBody); err != nil {
					lastErr = err
					return retry.Unrecoverable(err)
				}
				return nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("postgrest %s: server error %d", method, resp.StatusCode)
				p.logger.Warn("postgrest server error (will retry)", "method", method, "status", resp.StatusCode)
				return lastErr
			default:
				lastErr = fmt.Errorf("postgrest %s: unexpected status %d: %s", method, resp.StatusCode, truncate(respBody, 200))
				return retry.Unrecoverable(lastErr)
			}
		},
		retry.Attempts(p.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// contentRangeTotal parses the total from "0-0/1" or "*/0".
func contentRangeTotal(h string) (int, error) {
	_, total, ok := strings.Cut(h, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("postgrest: no total in Content-Range %q", h)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("postgrest: bad Content-Range %q: %w", h, err)
	}
	return n, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
