package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultReadTimeout    = 90 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultDialTimeout    = 20 * time.Second
	writeTimeout          = 10 * time.Second
	eventBufferSize       = 64
)

var (
	// ErrClosed is returned by calls on a destroyed or unconnected Client.
	ErrClosed = errors.New("bridge connection closed")
	// ErrStarted is returned by a second call to Initialize.
	ErrStarted = errors.New("bridge connection already started")
)

// RemoteError is an error reported by the bridge in a reply frame.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge %s: %s", e.Op, e.Message)
}

// Options configures a Client.
type Options struct {
	Logger         *slog.Logger
	URL            string // ws:// or wss:// endpoint
	Token          string // bearer token for the bridge, optional
	SessionID      string
	Session        json.RawMessage // prior credential blob, nil for a fresh handshake
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
	DialTimeout    time.Duration
}

// Client is one connection instance.
type Client struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	pending map[int64]chan frame
	opts    Options
	seq     int64
	mu      sync.Mutex // guards ws, pending, seq, started, reading
	writeMu sync.Mutex
	once    sync.Once
	started bool
	reading bool
}

// New validates opts and returns an unconnected Client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("bridge URL is required")
	}
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("bridge URL must be ws:// or wss://, got %q", opts.URL)
	}
	if opts.SessionID == "" {
		return nil, errors.New("session ID is required")
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		logger:  logger.With("component", "bridge", "session_id", opts.SessionID),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		pending: make(map[int64]chan frame),
		opts:    opts,
	}, nil
}

// Events returns the lifecycle and message notifications. The channel is
// closed after the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Initialize dials the bridge and starts the session handshake. The
// outcome of the handshake arrives as events (qr, authenticated, ready or
// auth_failure).
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	origin := "http://localhost/"
	if strings.HasPrefix(c.opts.URL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.opts.URL, origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = make(map[string][]string)
	if c.opts.Token != "" {
		wsConfig.Header["Authorization"] = []string{"Bearer " + c.opts.Token}
	}
	dialTimeout := c.opts.DialTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < dialTimeout {
		dialTimeout = time.Until(dl)
	}
	wsConfig.Dialer = &net.Dialer{Timeout: dialTimeout}

	c.logger.Info("connecting to bridge", "url", c.opts.URL, "has_session", len(c.opts.Session) > 0)
	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	init := frame{Type: "init", SessionID: c.opts.SessionID, Session: c.opts.Session}
	if err := c.write(init); err != nil {
		c.closeConn()
		return fmt.Errorf("write init: %w", err)
	}

	c.mu.Lock()
	c.reading = true
	c.mu.Unlock()
	go c.readLoop(ws)
	go c.pingLoop()

	c.logger.Info("bridge connection established, awaiting handshake")
	return nil
}

// Destroy closes the connection. It is safe to call more than once and on
// a Client that never connected.
func (c *Client) Destroy(ctx context.Context) error {
	var closeErr error
	c.once.Do(func() {
		close(c.done)
		closeErr = c.closeConn()
	})

	c.mu.Lock()
	reading := c.reading
	c.mu.Unlock()
	if !reading {
		return closeErr
	}

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return fmt.Errorf("waiting for reader: %w", ctx.Err())
	}
	return closeErr
}

// Status asks the bridge for its live connection status.
func (c *Client) Status(ctx context.Context) (string, error) {
	reply, err := c.request(ctx, frame{Type: "status"})
	if err != nil {
		return "", err
	}
	return reply.Status, nil
}

// SendMessage sends text to the chat identified by to and returns the new
// message id.
func (c *Client) SendMessage(ctx context.Context, to, text string) (string, error) {
	reply, err := c.request(ctx, frame{Type: "send", To: to, Text: text})
	if err != nil {
		return "", err
	}
	return reply.MessageID, nil
}

// Quoted returns the message that messageID replied to.
func (c *Client) Quoted(ctx context.Context, messageID string) (Quoted, error) {
	reply, err := c.request(ctx, frame{Type: "quoted", MessageID: messageID})
	if err != nil {
		return Quoted{}, err
	}
	return Quoted{ID: reply.MessageID, Text: reply.Text}, nil
}

func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	c.seq++
	f.Seq = c.seq
	reply := make(chan frame, 1)
	c.pending[f.Seq] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, fmt.Errorf("write %s: %w", f.Type, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		if r.Error != "" {
			return frame{}, &RemoteError{Op: f.Type, Message: r.Error}
		}
		return r, nil
	case <-c.done:
		return frame{}, ErrClosed
	case <-c.stopped:
		return frame{}, ErrClosed
	case <-timer.C:
		return frame{}, fmt.Errorf("%s: no reply within %v", f.Type, c.opts.RequestTimeout)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// write sends one frame. All writes are serialized.
func (c *Client) write(f frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(ws, f); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	if err := ws.Close(); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// emit delivers ev unless the client is being destroyed.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.stopped:
			return
		case <-ticker.C:
			if err := c.write(frame{Type: "ping"}); err != nil {
				c.logger.Warn("failed to send keep-alive ping", "error", err)
				return
			}
		}
	}
}

// readLoop dispatches frames until the connection fails or is destroyed.
func (c *Client) readLoop(ws *websocket.Conn) {
	defer close(c.stopped)
	defer close(c.events)

	for {
		if err := ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			c.fail(fmt.Errorf("set read deadline: %w", err))
			return
		}

		var f frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			c.fail(err)
			return
		}
		c.dispatch(f)
	}
}

// fail reports a read failure as a disconnect unless Destroy caused it.
func (c *Client) fail(err error) {
	select {
	case <-c.done:
		c.logger.Debug("reader stopped after destroy")
		return
	default:
	}
	c.logger.Warn("lost connection to bridge", "error", err)
	c.emit(Event{Type: EventDisconnected, Reason: err.Error(), Err: err})
}

func (c *Client) dispatch(f frame) {
	switch f.Type {
	case "ping":
		if err := c.write(frame{Type: "pong", Seq: f.Seq}); err != nil {
			c.logger.Warn("failed to answer ping", "error", err)
		}
	case "pong":
		c.logger.Debug("keep-alive acknowledged")
	case "status_result", "send_result", "quoted_result":
		c.mu.Lock()
		ch, ok := c.pending[f.Seq]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping reply for unknown request", "type", f.Type, "seq", f.Seq)
			return
		}
		select {
		case ch <- f:
		default:
		}
	case string(EventQR):
		c.emit(Event{Type: EventQR, QR: f.Code})
	case string(EventAuthenticated):
		c.emit(Event{Type: EventAuthenticated})
	case string(EventReady):
		c.emit(Event{Type: EventReady})
	case string(EventSession):
		c.emit(Event{Type: EventSession, Session: f.Session})
	case string(EventSessionSaved):
		c.emit(Event{Type: EventSessionSaved})
	case string(EventDisconnected):
		c.emit(Event{Type: EventDisconnected, Reason: f.Reason})
	case string(EventAuthFailure):
		c.emit(Event{Type: EventAuthFailure, Reason: f.Message, Err: errors.New(f.Message)})
	case string(EventError):
		c.emit(Event{Type: EventError, Reason: f.Message, Err: errors.New(f.Message)})
	case string(EventMessage):
		if f.Payload == nil {
			c.logger.Warn("message frame without payload")
			return
		}
		c.emit(Event{Type: EventMessage, Message: f.Payload})
	default:
		c.logger.Debug("ignoring unknown frame", "type", f.Type)
	}
}
