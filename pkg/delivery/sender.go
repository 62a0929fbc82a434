// Package delivery forwards message payloads to a webhook with bounded
// retries. Delivery is best effort: at most MaxAttempts POSTs per payload,
// nothing is queued across restarts, and Send never reports failure to its
// caller.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/chatbridge/pkg/backoff"
	"github.com/codeGROOVE-dev/chatbridge/pkg/metrics"
)

const (
	// DeliveryIDHeader is stable across the retries of one payload.
	DeliveryIDHeader = "X-Delivery-ID"
	// AttemptHeader is the 1-based attempt number.
	AttemptHeader = "X-Delivery-Attempt"

	userAgent = "chatbridge/1.0"
)

var (
	// ErrOversize is returned when the serialized payload exceeds MaxBytes.
	ErrOversize = errors.New("payload exceeds size cap")
	// ErrNoEndpoint is returned when no webhook URL is configured.
	ErrNoEndpoint = errors.New("webhook URL not configured")
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

// Config controls payload shaping and retry policy.
type Config struct {
	HTTPClient     *http.Client
	Logger         *slog.Logger
	URL            string
	Secret         string // HMAC signing secret, optional
	Limits         Limits
	Backoff        backoff.Policy
	MaxBytes       int
	MaxAttempts    int
	RequestTimeout time.Duration
}

// DefaultConfig returns the production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL: url,
		Limits: Limits{
			TextLimit:  1000,
			ReplyLimit: 500,
			Marker:     "...",
		},
		Backoff:        backoff.Policy{Initial: time.Second, Max: 30 * time.Second},
		MaxBytes:       90_000,
		MaxAttempts:    3,
		RequestTimeout: 10 * time.Second,
	}
}

// Sender posts payloads to the configured webhook.
type Sender struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
}

// New creates a Sender. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Sender {
	def := DefaultConfig(cfg.URL)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = def.Backoff
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = def.Limits
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Sender{
		httpClient: httpClient,
		logger:     logger.With("component", "delivery"),
		cfg:        cfg,
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *Sender) Enabled() bool {
	return s.cfg.URL != ""
}

// Send delivers p and logs the outcome. It never returns an error so a
// failing webhook cannot destabilize the caller.
func (s *Sender) Send(ctx context.Context, p Payload) {
	start := time.Now()
	err := s.Deliver(ctx, p)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.Deliveries.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrNoEndpoint):
		metrics.Deliveries.WithLabelValues("disabled").Inc()
		s.logger.Error("webhook URL is not set, cannot deliver", "message_id", p.MessageID)
	case errors.Is(err, ErrOversize):
		metrics.Deliveries.WithLabelValues("oversize").Inc()
		s.logger.Error("dropping oversized payload", "message_id", p.MessageID, "error", err)
	default:
		metrics.Deliveries.WithLabelValues("failed").Inc()
		body, mErr := json.Marshal(s.cfg.Limits.Shape(p))
		if mErr != nil {
			body = []byte(fmt.Sprintf("%+v", p))
		}
		s.logger.Error("failed to deliver webhook, giving up",
			"attempts", s.cfg.MaxAttempts,
			"message_id", p.MessageID,
			"error", err,
			"payload", string(body))
	}
}

// Deliver shapes p, enforces the size cap and POSTs it with retries. It
// returns nil on the first 2xx response.
func (s *Sender) Deliver(ctx context.Context, p Payload) error {
	if !s.Enabled() {
		return ErrNoEndpoint
	}

	body, err := json.Marshal(s.cfg.Limits.Shape(p))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if len(body) > s.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrOversize, len(body), s.cfg.MaxBytes)
	}

	deliveryID := uuid.NewString()
	attempt := 0
	var lastErr error

	err = retry.Do(
		func() error {
			attempt++
			metrics.DeliveryAttempts.Inc()
			s.logger.Info("sending webhook",
				"attempt", attempt, "max_attempts", s.cfg.MaxAttempts,
				"message_id", p.MessageID, "delivery_id", deliveryID)

			if err := s.post(ctx, body, deliveryID, attempt); err != nil {
				lastErr = err
				s.logger.Warn("webhook attempt failed", "attempt", attempt, "error", err)
				return err
			}
			s.logger.Info("webhook delivered", "attempt", attempt, "message_id", p.MessageID, "delivery_id", deliveryID)
			return nil
		},
		retry.Attempts(uint(s.cfg.MaxAttempts)), //nolint:gosec // validated positive in New
		retry.Context(ctx),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.cfg.Backoff.Delay(int(n)) //nolint:gosec // bounded by MaxAttempts
		}),
		retry.OnRetry(func(n uint, _ error) {
			if int(n)+1 < s.cfg.MaxAttempts { //nolint:gosec // bounded by MaxAttempts
				s.logger.Info("retrying webhook", "in", s.cfg.Backoff.Delay(int(n))) //nolint:gosec // bounded
			}
		}),
	)
	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		return err
	}
	return nil
}

func (s *Sender) post(ctx context.Context, body []byte, deliveryID string, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(DeliveryIDHeader, deliveryID)
	req.Header.Set(AttemptHeader, fmt.Sprint(attempt))
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.cfg.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best effort
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
