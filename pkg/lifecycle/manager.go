// Package lifecycle owns the single connection instance: it applies the
// connection state machine to instance events, persists session updates,
// schedules backoff reconnects and exposes the operator controls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/chatbridge/pkg/backoff"
	"github.com/codeGROOVE-dev/chatbridge/pkg/bridge"
	"github.com/codeGROOVE-dev/chatbridge/pkg/metrics"
	"github.com/codeGROOVE-dev/chatbridge/pkg/session"
)

const (
	defaultInitTimeout    = 2 * time.Minute
	defaultDestroyTimeout = 10 * time.Second
	defaultCallTimeout    = 30 * time.Second
)

var (
	// ErrNotReady is returned by operations that need a READY connection.
	ErrNotReady = errors.New("connection not ready")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("connection manager shut down")
)

// Instance is one connection to the chat bridge. A *bridge.Client
// satisfies it.
type Instance interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, to, text string) (string, error)
	Quoted(ctx context.Context, messageID string) (bridge.Quoted, error)
	Events() <-chan bridge.Event
}

// Factory builds a new, uninitialized Instance. prior is the stored
// session, or nil when none exists.
type Factory func(ctx context.Context, prior *session.Session) (Instance, error)

// MessageHandler receives incoming messages from the current instance.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *bridge.Message)
}

// Config configures a Manager.
type Config struct {
	Logger    *slog.Logger
	Store     session.Store
	Factory   Factory
	Messages  MessageHandler // optional
	SessionID string
	Reconnect backoff.Policy
	// InitTimeout bounds Initialize on a new instance.
	InitTimeout time.Duration
	// DestroyTimeout bounds Destroy on a discarded instance.
	DestroyTimeout time.Duration
	// RetryOnInitFailure schedules a backoff reconnect after a failed
	// Initialize instead of staying in ERROR.
	RetryOnInitFailure bool
}

// DefaultReconnect is the reconnect backoff: 5s doubling up to 5 minutes.
var DefaultReconnect = backoff.Policy{Initial: 5 * time.Second, Max: 300 * time.Second}

// Status is a point-in-time view of the manager.
type Status struct {
	Changed          time.Time     `json:"changed"`
	State            State         `json:"state"`
	SessionID        string        `json:"session_id"`
	Challenge        string        `json:"challenge,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	Attempts         int           `json:"reconnect_attempts"`
	Delay            time.Duration `json:"-"`
	ReconnectPending bool          `json:"reconnect_pending"`
	HasInstance      bool          `json:"has_instance"`
}

// Manager drives the connection state machine. All state and instance
// reference changes happen under mu; slow I/O runs outside it.
type Manager struct {
	changed   time.Time
	store     session.Store
	inst      Instance
	messages  MessageHandler
	timer     *time.Timer
	teardown  chan struct{} // closed when the detached instance is destroyed
	logger    *slog.Logger
	factory   Factory
	now       func() time.Time
	sessionID string
	challenge string
	lastErr   string
	cfg       Config
	pumps     sync.WaitGroup
	delay     time.Duration
	attempts  int
	gen       uint64 // bumped whenever an in-flight start must be abandoned
	timerSeq  uint64
	state     State
	mu        sync.Mutex
	starting  bool
	closed    bool
}

// New returns a Manager in DISCONNECTED. It does not connect until Start.
func New(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if cfg.Factory == nil {
		errs = append(errs, errors.New("instance factory is required"))
	}
	if cfg.SessionID == "" {
		errs = append(errs, errors.New("session ID is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = DefaultReconnect
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = defaultDestroyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		cfg:       cfg,
		store:     cfg.Store,
		factory:   cfg.Factory,
		messages:  cfg.Messages,
		sessionID: cfg.SessionID,
		logger:    logger.With("component", "lifecycle", "session_id", cfg.SessionID),
		now:       time.Now,
		state:     Disconnected,
	}
	m.changed = m.now()
	metrics.SetState(Disconnected.String(), StateNames())
	return m, nil
}

// SetMessageHandler installs h for messages from instances started later.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	m.messages = h
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether a live instance is READY.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Ready && m.inst != nil
}

// SessionID returns the managed session identifier.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Changed:          m.changed,
		State:            m.state,
		SessionID:        m.sessionID,
		Challenge:        m.challenge,
		LastError:        m.lastErr,
		Attempts:         m.attempts,
		Delay:            m.delay,
		ReconnectPending: m.timer != nil,
		HasInstance:      m.inst != nil,
	}
}

// Start constructs and initializes a new instance. It is a no-op while an
// instance exists or another start is in flight. A failed Initialize moves
// the manager to ERROR and is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	for m.teardown != nil {
		done := m.teardown
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.starting || m.inst != nil || m.state == Initializing {
		m.mu.Unlock()
		m.logger.Info("start requested while a connection exists or is initializing, ignoring")
		return nil
	}
	m.starting = true
	m.gen++
	gen := m.gen
	m.challenge = ""
	m.transitionLocked(Initializing, "start")
	m.mu.Unlock()

	prior := m.store.Extract(ctx, m.sessionID)
	if prior != nil {
		m.logger.Info("restoring stored session", "updated_at", prior.UpdatedAt)
	} else {
		m.logger.Info("no stored session, a credential challenge will follow")
	}

	inst, err := m.factory(ctx, prior)
	if err == nil {
		initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
		err = inst.Initialize(initCtx)
		cancel()
	}

	if err != nil {
		if inst != nil {
			m.destroy(inst)
		}
		m.mu.Lock()
		m.starting = false
		if gen != m.gen {
			m.mu.Unlock()
			return fmt.Errorf("initialize: %w", err)
		}
		m.lastErr = err.Error()
		m.transitionLocked(Error, "init_failure")
		if m.cfg.RetryOnInitFailure {
			m.scheduleLocked()
		}
		m.mu.Unlock()
		m.logger.Error("connection initialization failed", "error", err, "retry", m.cfg.RetryOnInitFailure)
		return fmt.Errorf("initialize: %w", err)
	}

	m.mu.Lock()
	m.starting = false
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		m.logger.Info("start superseded while initializing, discarding instance")
		m.destroy(inst)
		return nil
	}
	m.inst = inst
	m.lastErr = ""
	handler := m.messages
	m.pumps.Add(1)
	m.mu.Unlock()

	go m.pump(inst, handler)
	return nil
}

// Restart drops the current instance, cancels any pending reconnect and
// starts over. It is the operator's way out of ERROR.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.starting {
		m.mu.Unlock()
		m.logger.Info("restart requested while initializing, ignoring")
		return nil
	}
	m.cancelTimerLocked()
	finish := m.detachLocked()
	m.attempts = 0
	m.delay = 0
	metrics.ReconnectAttempts.Set(0)
	m.transitionLocked(Disconnected, "restart")
	m.mu.Unlock()

	m.logger.Warn("restarting connection on request")
	finish()
	return m.Start(ctx)
}

// ClearSession deletes the stored session and drops the current instance.
// The next start performs a fresh credential handshake.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.store.Delete(ctx, m.sessionID)
	metrics.SessionEvents.WithLabelValues("deleted").Inc()

	m.mu.Lock()
	m.cancelTimerLocked()
	m.gen++
	finish := m.detachLocked()
	m.challenge = ""
	m.transitionLocked(Disconnected, "clear_session")
	m.mu.Unlock()

	finish()
	m.logger.Warn("session cleared")
	return nil
}

// Send hands text to the current instance. It fails fast with ErrNotReady
// unless the connection is READY. Instance errors are returned unchanged.
func (m *Manager) Send(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	inst := m.inst
	ready := m.state == Ready && inst != nil
	m.mu.Unlock()
	if !ready {
		return "", ErrNotReady
	}
	return inst.SendMessage(ctx, to, text)
}

// Quoted fetches the message that messageID replied to.
func (m *Manager) Quoted(ctx context.Context, messageID string) (bridge.Quoted, error) {
	m.mu.Lock()
	inst := m.inst
	m.mu.Unlock()
	if inst == nil {
		return bridge.Quoted{}, ErrNotReady
	}
	return inst.Quoted(ctx, messageID)
}

// Shutdown stops timers, destroys the instance and waits for the event
// pump to exit. The manager cannot be restarted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.gen++
	m.cancelTimerLocked()
	finish := m.detachLocked()
	m.transitionLocked(Disconnected, "shutdown")
	m.mu.Unlock()

	finish()

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for event pump: %w", ctx.Err())
	}
}

// pump applies events from inst until its channel closes.
func (m *Manager) pump(inst Instance, handler MessageHandler) {
	defer m.pumps.Done()
	for ev := range inst.Events() {
		if ev.Type == bridge.EventMessage {
			if handler != nil && ev.Message != nil && m.current(inst) {
				handler.HandleMessage(context.Background(), ev.Message)
			}
			continue
		}
		m.apply(inst, ev)
	}
}

func (m *Manager) current(inst Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst == inst
}

// apply runs one lifecycle event through the transition table.
func (m *Manager) apply(inst Instance, ev bridge.Event) {
	m.mu.Lock()
	if m.inst != inst {
		m.mu.Unlock()
		m.logger.Debug("dropping event from stale instance", "event", ev.Type)
		return
	}

	switch ev.Type {
	case bridge.EventQR:
		m.challenge = ev.QR
		if m.state == Initializing {
			m.transitionLocked(AwaitingCredential, string(ev.Type))
		}
		m.mu.Unlock()
		m.logger.Info("credential challenge received, waiting for operator", "challenge", ev.QR)

	case bridge.EventAuthenticated:
		if m.state == Initializing || m.state == AwaitingCredential {
			m.challenge = ""
			m.resetAttemptsLocked()
			m.transitionLocked(Authenticating, string(ev.Type))
		}
		m.mu.Unlock()
		m.logger.Info("authenticated")

	case bridge.EventReady:
		if m.state.handshaking() {
			m.challenge = ""
			m.resetAttemptsLocked()
			m.transitionLocked(Ready, string(ev.Type))
		}
		m.mu.Unlock()
		m.logger.Info("connection ready")

	case bridge.EventSession:
		m.mu.Unlock()
		m.store.Save(context.Background(), m.sessionID, ev.Session)
		metrics.SessionEvents.WithLabelValues("saved").Inc()

	case bridge.EventSessionSaved:
		m.mu.Unlock()
		metrics.SessionEvents.WithLabelValues("confirmed").Inc()
		m.logger.Info("bridge confirmed remote session save")

	case bridge.EventDisconnected:
		prev := m.state
		finish := m.detachLocked()
		m.transitionLocked(Disconnected, string(ev.Type))
		if prev == Ready {
			m.scheduleLocked()
		}
		delay := m.delay
		m.mu.Unlock()
		if prev == Ready {
			m.logger.Warn("disconnected, reconnect scheduled", "reason", ev.Reason, "delay", delay)
		} else {
			m.logger.Warn("disconnected before ready, not reconnecting", "reason", ev.Reason, "state", prev)
		}
		finish()

	case bridge.EventAuthFailure:
		m.cancelTimerLocked()
		finish := m.detachLocked()
		m.lastErr = ev.Reason
		m.challenge = ""
		m.transitionLocked(Error, string(ev.Type))
		m.mu.Unlock()
		m.logger.Error("authentication failed, clearing stored session; restart required", "reason", ev.Reason)
		m.store.Delete(context.Background(), m.sessionID)
		metrics.SessionEvents.WithLabelValues("deleted").Inc()
		finish()

	case bridge.EventError:
		m.cancelTimerLocked()
		finish := m.detachLocked()
		m.lastErr = ev.Reason
		m.transitionLocked(Error, string(ev.Type))
		m.mu.Unlock()
		m.logger.Error("connection fault, manual intervention required", "reason", ev.Reason)
		finish()

	default:
		m.mu.Unlock()
		m.logger.Debug("ignoring event", "event", ev.Type)
	}
}

// scheduleLocked arms the single reconnect timer.
func (m *Manager) scheduleLocked() {
	if m.timer != nil || m.closed {
		return
	}
	delay := m.cfg.Reconnect.Delay(m.attempts)
	m.attempts++
	m.delay = delay
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() { m.fireReconnect(seq) })
	metrics.ReconnectsScheduled.Inc()
	metrics.ReconnectAttempts.Set(float64(m.attempts))
}

func (m *Manager) cancelTimerLocked() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.timerSeq++
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.closed || m.starting || m.inst != nil || m.state == Initializing || m.state == Ready {
		state := m.state
		m.mu.Unlock()
		m.logger.Info("reconnect timer fired but a connection is already active", "state", state)
		return
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("reconnecting", "attempt", attempt)
	if err := m.Start(context.Background()); err != nil {
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (m *Manager) resetAttemptsLocked() {
	m.attempts = 0
	m.delay = 0
	metrics.ReconnectAttempts.Set(0)
}

// detachLocked clears the instance reference and returns a func that
// destroys the detached instance. Start waits for it before building a
// new instance.
func (m *Manager) detachLocked() func() {
	inst := m.inst
	if inst == nil {
		return func() {}
	}
	m.inst = nil
	done := make(chan struct{})
	m.teardown = done
	return func() {
		m.destroy(inst)
		m.mu.Lock()
		if m.teardown == done {
			m.teardown = nil
		}
		m.mu.Unlock()
		close(done)
	}
}

// destroy tears inst down. Failures are logged only.
func (m *Manager) destroy(inst Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DestroyTimeout)
	defer cancel()
	if err := inst.Destroy(ctx); err != nil {
		m.logger.Warn("failed to destroy connection instance", "error", err)
	}
}

func (m *Manager) transitionLocked(to State, event string) {
	from := m.state
	m.state = to
	m.changed = m.now()
	if from == to {
		return
	}
	metrics.StateTransitions.WithLabelValues(from.String(), to.String(), event).Inc()
	metrics.SetState(to.String(), StateNames())
	m.logger.Info("state transition", "from", from, "to", to, "event", event)
}

// probe is the watchdog's view of the manager.
type probe struct {
	inst    Instance
	state   State
	pending bool
	busy    bool
}

func (m *Manager) probe() probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return probe{
		inst:    m.inst,
		state:   m.state,
		pending: m.timer != nil,
		busy:    m.starting || m.teardown != nil || m.closed,
	}
}

// recycle replaces inst with a fresh instance if it is still current. It
// reports false when inst was already replaced or the manager is closed.
func (m *Manager) recycle(ctx context.Context, inst Instance, reason string) (bool, error) {
	m.mu.Lock()
	if m.inst != inst || m.closed {
		m.mu.Unlock()
		return false, nil
	}
	m.cancelTimerLocked()
	finish := m.detachLocked()
	m.transitionLocked(Disconnected, reason)
	m.mu.Unlock()

	finish()
	return true, m.Start(ctx)
}

// callTimeout bounds a single instance query.
func callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultCallTimeout)
}
