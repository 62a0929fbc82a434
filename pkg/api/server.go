// Package api serves the HTTP status and control surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeGROOVE-dev/chatbridge/pkg/lifecycle"
)

const (
	maxBodyBytes       = 64 * 1024
	groupSuffix        = "@g.us"
	defaultRateLimit   = 60
	defaultRateWindow  = time.Minute
	timestampLayout    = "2006-01-02T15:04:05.000Z"
	aliveStatusMessage = "alive"
)

// Controller is the connection manager as seen by the HTTP surface.
type Controller interface {
	Status() lifecycle.Status
	Send(ctx context.Context, to, text string) (string, error)
	Restart(ctx context.Context) error
	ClearSession(ctx context.Context) error
}

// Config configures the handler.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
	// AdminToken protects the restart and clear-session endpoints when set.
	AdminToken string
	// WebhookConfigured is reported on the status endpoint.
	WebhookConfigured bool
	RateLimit         int
	RateWindow        time.Duration
}

type server struct {
	ctrl   Controller
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// NewHandler returns the router for the status and control endpoints.
func NewHandler(ctrl Controller, cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	s := &server{
		ctrl:   ctrl,
		logger: cfg.Logger.With("component", "api"),
		now:    cfg.Now,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Use(Recover(s.logger))
	r.Use(RequestLog(s.logger))
	r.Use(SecurityHeaders)

	r.Get("/", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(cfg.RateLimit, cfg.RateWindow))
		r.Post("/send-message", s.handleSend)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/restart", s.handleRestart)
			r.Post("/clear-session", s.handleClearSession)
		})
	})
	return r
}

type statusResponse struct {
	Status            string `json:"status"`
	ClientState       string `json:"clientState"`
	SessionID         string `json:"sessionId"`
	Challenge         string `json:"challenge,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	Timestamp         string `json:"timestamp"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	ReconnectPending  bool   `json:"reconnectPending"`
	WebhookURLSet     bool   `json:"webhookUrlSet"`
}

type sendRequest struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

type actionResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            aliveStatusMessage,
		ClientState:       st.State.String(),
		SessionID:         st.SessionID,
		Challenge:         st.Challenge,
		LastError:         st.LastError,
		ReconnectAttempts: st.Attempts,
		ReconnectPending:  st.ReconnectPending,
		WebhookURLSet:     s.cfg.WebhookConfigured,
		Timestamp:         s.now().UTC().Format(timestampLayout),
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Status()
	code := http.StatusOK
	if st.State != lifecycle.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": st.State.String()})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if st := s.ctrl.Status(); st.State != lifecycle.Ready || !st.HasInstance {
		s.logger.Warn("send rejected, connection not ready", "state", st.State)
		writeJSON(w, http.StatusServiceUnavailable, sendResponse{Error: "client not ready (state: " + st.State.String() + ")"})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return
	}
	if req.GroupID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "missing groupId or message"})
		return
	}

	to := req.GroupID
	if !strings.HasSuffix(to, groupSuffix) {
		to += groupSuffix
	}
	id, err := s.ctrl.Send(r.Context(), to, req.Message)
	if errors.Is(err, lifecycle.ErrNotReady) {
		writeJSON(w, http.StatusServiceUnavailable, sendResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("send failed", "group_id", to, "error", err)
		writeJSON(w, http.StatusInternalServerError, sendResponse{Error: err.Error()})
		return
	}
	s.logger.Info("message sent", "group_id", to, "message_id", id)
	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: id})
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("restart requested", "ip", clientIP(r))
	if err := s.ctrl.Restart(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Error("restart failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "restart initiated"})
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("session clear requested", "ip", clientIP(r))
	st := s.ctrl.Status()
	if err := s.ctrl.ClearSession(r.Context()); err != nil {
		s.logger.Error("session clear failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to clear session"})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "session " + st.SessionID + " cleared"})
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.logger.Warn("unauthorized control request", "path", r.URL.Path, "ip", clientIP(r))
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
