// Package webhook is the inbound HTTP surface: the bridge worker posts user
// callbacks here and load balancers poll health.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	bk "github.com/okrause/bridgekeeper"
)

// Config tunes the HTTP server.
type Config struct {
	Addr         string
	AuthEnabled  bool
	APIKey       string
	AuthHeader   string // default X-API-Key
	MaxBodyBytes int64  // default 1MB
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthHeader == "" {
		c.AuthHeader = "X-API-Key"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// responsePayload is the inbound callback body.
type responsePayload struct {
	Type          string `json:"type"`
	CallbackData  string `json:"callback_data"`
	UserID        int64  `json:"user_id"`
	Username      string `json:"username,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// result is the webhook's success body.
type result struct {
	Success             bool   `json:"success"`
	CorrelationID       string `json:"correlation_id,omitempty"`
	Action              string `json:"action"`
	TaskID              string `json:"task_id"`
	AcknowledgementSent bool   `json:"acknowledgement_sent"`
	ProcessingMS        int64  `json:"processing_ms"`
}

type errorBody struct {
	Success bool              `json:"success"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// Server handles callbacks: validate, parse, store, best-effort chat ack,
// fan out.
type Server struct {
	cfg      Config
	pipeline *bk.Pipeline
	limiter  *bk.KeyedLimiter
	health   *bk.HealthRegistry
	hub      *bk.Hub
	logger   *slog.Logger
	started  time.Time

	http *http.Server
}

// New builds the server; Run starts it.
func New(cfg Config, pipeline *bk.Pipeline, limiter *bk.KeyedLimiter, health *bk.HealthRegistry, hub *bk.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if hub == nil {
		hub = bk.NewHub(0, 0)
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		pipeline: pipeline,
		limiter:  limiter,
		health:   health,
		hub:      hub,
		logger:   logger,
		started:  time.Now(),
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/webhook", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/bridge-response", s.handleBridgeResponse)
	})
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("webhook listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report(r.Context())
	code := http.StatusOK
	if report.Status == bk.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status    bk.HealthStatus  `json:"status"`
		Service   string           `json:"service"`
		Timestamp time.Time        `json:"timestamp"`
		Uptime    string           `json:"uptime"`
		Levels    []bk.LevelReport `json:"levels"`
	}{
		Status:    report.Status,
		Service:   "bridgekeeper",
		Timestamp: report.At,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Levels:    report.Levels,
	})
}

// authenticate enforces the shared-key header when auth is enabled.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(s.cfg.AuthHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			s.logger.Warn("webhook auth rejected", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    bk.CodeAuthFailed,
				Message: "missing or invalid API key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-source token bucket; the source is the remote
// host so one misbehaving caller cannot starve the rest.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(sourceOf(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code:    bk.CodeRateLimited,
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBridgeResponse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.hub.Inc(bk.MetricWebhookRequests)
	defer s.hub.ObserveSince(bk.MetricWebhookLatency, start)

	var payload responsePayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    bk.CodeValidationFailed,
			Message: "request body is not valid JSON",
		})
		return
	}
	if code, msg := validate(payload); code != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: code, Message: msg})
		return
	}

	ts, _ := time.Parse(time.RFC3339, payload.Timestamp)
	resp := bk.NewResponse(payload.CallbackData, payload.UserID, payload.Username, payload.FirstName, ts, payload.CorrelationID)

	if err := s.pipeline.RecordResponse(r.Context(), resp); err != nil {
		s.logger.Error("storing response", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    codeOf(err),
			Message: "failed to store response",
		})
		return
	}

	// Chat acknowledgement is best effort: the response is already durable,
	// so an ack failure is logged and the request still succeeds.
	acked := false
	if resp.Action != bk.ActionUnknown {
		if err := s.pipeline.Acknowledge(r.Context(), "", ackText(resp)); err != nil {
			s.logger.Warn("chat acknowledgement failed", "task_id", resp.TaskID, "error", err)
		} else {
			acked = true
		}
	}

	writeJSON(w, http.StatusOK, result{
		Success:             true,
		CorrelationID:       resp.CorrelationID,
		Action:              string(resp.Action),
		TaskID:              resp.TaskID,
		AcknowledgementSent: acked,
		ProcessingMS:        time.Since(start).Milliseconds(),
	})
}

func validate(p responsePayload) (code, msg string) {
	if p.Type != "telegram_response" {
		return bk.CodeValidationFailed, "type must be telegram_response"
	}
	if strings.TrimSpace(p.CallbackData) == "" {
		return bk.CodeValidationFailed, "callback_data is required"
	}
	if p.UserID == 0 {
		return bk.CodeValidationFailed, "user_id is required"
	}
	if p.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
			return bk.CodeValidationFailed, "timestamp must be ISO-8601"
		}
	}
	return "", ""
}

func ackText(r bk.Response) string {
	switch r.Action {
	case bk.ActionApprove:
		return "Approved: " + r.TaskID
	case bk.ActionDeny:
		return "Denied: " + r.TaskID
	case bk.ActionAcknowledge:
		return "Acknowledged: " + r.TaskID
	case bk.ActionDetails:
		return "Details requested: " + r.TaskID
	default:
		return "Received"
	}
}

func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func codeOf(err error) string {
	var typed *bk.Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return bk.CodeProcessing
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
