// Package router decides which incoming chat messages are forwarded to the
// webhook and hands them to the delivery sender.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeGROOVE-dev/chatbridge/pkg/bridge"
	"github.com/codeGROOVE-dev/chatbridge/pkg/delivery"
	"github.com/codeGROOVE-dev/chatbridge/pkg/metrics"
)

// GroupSuffix marks group chat identifiers.
const GroupSuffix = "@g.us"

const (
	defaultMaxInFlight  = 16
	defaultQuoteTimeout = 10 * time.Second
)

// Decision is the routing outcome for one message.
type Decision string

// Routing decisions.
const (
	Forwarded Decision = "forwarded"
	NotGroup  Decision = "not_group"
	NotReady  Decision = "not_ready"
	Filtered  Decision = "filtered"
	Backlog   Decision = "backlog"
)

// Conn is the connection the router reads readiness and quotes from.
type Conn interface {
	Ready() bool
	Quoted(ctx context.Context, messageID string) (bridge.Quoted, error)
}

// Sink accepts payloads for delivery. *delivery.Sender implements it.
type Sink interface {
	Send(ctx context.Context, p delivery.Payload)
}

// Config configures a Router.
type Config struct {
	Logger *slog.Logger
	// Keywords select messages to forward; empty forwards every message.
	Keywords     []string
	MaxInFlight  int64
	QuoteTimeout time.Duration
}

// Router filters messages and forwards the survivors.
type Router struct {
	conn         Conn
	sink         Sink
	sem          *semaphore.Weighted
	logger       *slog.Logger
	keywords     []string
	inflight     sync.WaitGroup
	quoteTimeout time.Duration
}

// New returns a Router reading from conn and delivering to sink.
func New(conn Conn, sink Sink, cfg Config) *Router {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = defaultQuoteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var keywords []string
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Router{
		conn:         conn,
		sink:         sink,
		sem:          semaphore.NewWeighted(cfg.MaxInFlight),
		logger:       logger.With("component", "router"),
		keywords:     keywords,
		quoteTimeout: cfg.QuoteTimeout,
	}
}

// HandleMessage routes msg. Cheap checks run inline; quote lookup and
// delivery run on a bounded worker so the caller is never held up by a
// slow webhook. When all workers are busy the message is dropped.
func (r *Router) HandleMessage(ctx context.Context, msg *bridge.Message) {
	if d := r.precheck(msg); d != "" {
		r.record(d)
		return
	}
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("delivery backlog full, dropping message", "message_id", msg.ID, "group_id", msg.From)
		r.record(Backlog)
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.sem.Release(1)

		p, d := r.build(context.WithoutCancel(ctx), msg)
		r.record(d)
		if d != Forwarded {
			return
		}
		r.sink.Send(context.WithoutCancel(ctx), p)
	}()
}

// Route runs every routing step inline and returns the payload to send
// when the decision is Forwarded.
func (r *Router) Route(ctx context.Context, msg *bridge.Message) (delivery.Payload, Decision) {
	if d := r.precheck(msg); d != "" {
		return delivery.Payload{}, d
	}
	return r.build(ctx, msg)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) precheck(msg *bridge.Message) Decision {
	if msg == nil || !strings.HasSuffix(msg.From, GroupSuffix) {
		return NotGroup
	}
	if !r.conn.Ready() {
		r.logger.Debug("connection not ready, ignoring message", "message_id", msg.ID)
		return NotReady
	}
	return ""
}

func (r *Router) build(ctx context.Context, msg *bridge.Message) (delivery.Payload, Decision) {
	p := delivery.Payload{
		GroupID:   msg.From,
		SenderID:  msg.SenderID(),
		MessageID: msg.ID,
		Text:      msg.Body,
		Timestamp: msg.Time(),
	}

	if msg.HasQuoted {
		qctx, cancel := context.WithTimeout(ctx, r.quoteTimeout)
		q, err := r.conn.Quoted(qctx, msg.ID)
		cancel()
		if err != nil {
			r.logger.Warn("failed to fetch quoted message, forwarding without reply", "message_id", msg.ID, "error", err)
		} else {
			p.Reply = &delivery.ReplyInfo{MessageID: q.ID, Text: q.Text}
		}
	}

	if !r.matches(p) {
		return delivery.Payload{}, Filtered
	}
	r.logger.Info("forwarding message", "message_id", p.MessageID, "group_id", p.GroupID, "has_reply", p.Reply != nil)
	return p, Forwarded
}

// matches reports whether any keyword occurs in the text or reply text.
func (r *Router) matches(p delivery.Payload) bool {
	if len(r.keywords) == 0 {
		return true
	}
	text := strings.ToLower(p.Text)
	var reply string
	if p.Reply != nil {
		reply = strings.ToLower(p.Reply.Text)
	}
	for _, k := range r.keywords {
		if strings.Contains(text, k) || strings.Contains(reply, k) {
			return true
		}
	}
	return false
}

func (*Router) record(d Decision) {
	metrics.MessagesRouted.WithLabelValues(string(d)).Inc()
}
