package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/chatbridge/pkg/bridge"
	"github.com/codeGROOVE-dev/chatbridge/pkg/metrics"
)

// DefaultWatchdogInterval is how often the watchdog checks the connection.
const DefaultWatchdogInterval = 5 * time.Minute

// Outcome is the result of one watchdog check.
type Outcome string

// Watchdog check outcomes.
const (
	OutcomeHealthy   Outcome = "healthy"
	OutcomeStarted   Outcome = "started"
	OutcomeRestarted Outcome = "restarted"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeOverlap   Outcome = "overlap"
	OutcomeFailed    Outcome = "failed"
)

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	Logger   *slog.Logger
	Interval time.Duration
	// IgnoreError lets the watchdog restart a connection that is in ERROR.
	// By default ERROR is left for an operator.
	IgnoreError bool
}

// Watchdog periodically verifies the connection and restarts it when the
// bridge stops reporting a connected status.
type Watchdog struct {
	manager    *Manager
	logger     *slog.Logger
	interval   time.Duration
	respectErr bool
	running    atomic.Bool
}

// NewWatchdog returns a watchdog for m.
func NewWatchdog(m *Manager, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchdogInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watchdog{
		manager:    m,
		logger:     logger.With("component", "watchdog"),
		interval:   cfg.Interval,
		respectErr: !cfg.IgnoreError,
	}
}

// Run checks on every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs a single liveness check. Concurrent calls return
// OutcomeOverlap without doing anything.
func (w *Watchdog) Check(ctx context.Context) Outcome {
	if !w.running.CompareAndSwap(false, true) {
		return w.record(OutcomeOverlap)
	}
	defer w.running.Store(false)

	p := w.manager.probe()
	switch {
	case p.busy || p.pending || p.state == Initializing:
		w.logger.Debug("connection change in progress, skipping check", "state", p.state, "reconnect_pending", p.pending)
		return w.record(OutcomeSkipped)
	case p.state == Error && w.respectErr:
		w.logger.Debug("connection in ERROR, leaving it for an operator")
		return w.record(OutcomeSkipped)
	}

	if p.inst == nil {
		w.logger.Info("no connection instance, starting one")
		if err := w.manager.Start(ctx); err != nil {
			w.logger.Warn("watchdog start failed", "error", err)
			return w.record(OutcomeFailed)
		}
		return w.record(OutcomeStarted)
	}

	callCtx, cancel := callTimeout(ctx)
	status, err := p.inst.Status(callCtx)
	cancel()
	if err == nil && status == bridge.StatusConnected {
		return w.record(OutcomeHealthy)
	}

	w.logger.Warn("connection unhealthy, restarting", "status", status, "error", err, "state", p.state)
	recycled, err := w.manager.recycle(ctx, p.inst, "watchdog")
	if err != nil {
		w.logger.Warn("watchdog restart failed", "error", err)
		return w.record(OutcomeFailed)
	}
	if !recycled {
		w.logger.Debug("connection replaced during check, nothing to restart")
		return w.record(OutcomeSkipped)
	}
	return w.record(OutcomeRestarted)
}

func (w *Watchdog) record(o Outcome) Outcome {
	metrics.WatchdogChecks.WithLabelValues(string(o)).Inc()
	return o
}
