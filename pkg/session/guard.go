package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/chatbridge/pkg/metrics"
)

// DefaultOpTimeout bounds a single backend call.
const DefaultOpTimeout = 5 * time.Second

// Guard adapts a Backend to the fail-closed Store contract.
type Guard struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

var _ Store = (*Guard)(nil)

// NewGuard wraps b. A nil logger discards output.
func NewGuard(b Backend, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		backend: b,
		logger:  logger.With("component", "session", "backend", b.Name()),
		now:     time.Now,
		timeout: DefaultOpTimeout,
	}
}

// WithTimeout sets the per-operation timeout and returns g.
func (g *Guard) WithTimeout(d time.Duration) *Guard {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// Backend returns the wrapped backend.
func (g *Guard) Backend() Backend {
	return g.backend
}

// Exists reports whether a session is stored for id.
func (g *Guard) Exists(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ok, err := g.backend.Has(ctx, id)
	if err != nil {
		g.record("exists", "error")
		g.logger.Error("session existence check failed, assuming absent", "session_id", id, "error", err)
		return false
	}
	g.record("exists", "ok")
	g.logger.Info("session existence checked", "session_id", id, "exists", ok)
	return ok
}

// Extract returns the stored session for id, or nil.
func (g *Guard) Extract(ctx context.Context, id string) *Session {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	s, err := g.backend.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		g.record("extract", "miss")
		g.logger.Info("no stored session", "session_id", id)
		return nil
	case err != nil:
		g.record("extract", "error")
		g.logger.Error("session extract failed", "session_id", id, "error", err)
		return nil
	case s == nil || len(s.Data) == 0:
		g.record("extract", "miss")
		g.logger.Info("stored session is empty", "session_id", id)
		return nil
	}
	g.record("extract", "ok")
	g.logger.Info("extracted stored session", "session_id", id, "updated_at", s.UpdatedAt)
	return s
}

// Save upserts data under id. Failures are logged only.
func (g *Guard) Save(ctx context.Context, id string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	s := &Session{ID: id, Data: data, UpdatedAt: g.now().UTC()}
	if err := g.backend.Put(ctx, s); err != nil {
		g.record("save", "error")
		g.logger.Error("session save failed, continuing with unpersisted credentials", "session_id", id, "error", err)
		return
	}
	g.record("save", "ok")
	g.logger.Info("session saved", "session_id", id, "bytes", len(data))
}

// Delete removes the session for id. Failures are logged only.
func (g *Guard) Delete(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.backend.Remove(ctx, id); err != nil {
		g.record("delete", "error")
		g.logger.Error("session delete failed", "session_id", id, "error", err)
		return
	}
	g.record("delete", "ok")
	g.logger.Info("session deleted", "session_id", id)
}

func (g *Guard) record(op, result string) {
	metrics.StoreOperations.WithLabelValues(g.backend.Name(), op, result).Inc()
}
