// Package gateway is the HTTP surface: per-trigger webhooks, chat intake,
// read-only task views, the wake stream, health and Prometheus metrics.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/ingress"
	"github.com/basket/go-atlas/internal/otel"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/shared"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/wake"
)

type Config struct {
	Store   *persistence.Store
	Queue   *queue.Engine
	Ingress *ingress.Service
	// Bus is optional; when set its drop counter is exported.
	Bus *bus.Bus

	// WakeSignal lets the wake stream react to wakes written by other processes.
	WakeSignal       *wake.Signal
	WakePollInterval time.Duration

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty list means "same-origin only".
	AllowOrigins []string

	MaxBodyBytes int64
	RateLimit    RateLimitConfig

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	metrics http.Handler
}

func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = ingress.DefaultMaxPayloadBytes
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	logger := telemetry.Component(cfg.Logger, "gateway")
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		metrics: newMetricsHandler(cfg.Store, cfg.Bus, logger),
	}
}

// Limiter exposes the webhook rate limiter so serve can start eviction.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/webhook/{name}", s.limiter.Wrap(http.HandlerFunc(s.handleWebhook)))
	mux.Handle("POST /api/chat", RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("GET /api/tasks", s.handleAPITasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleAPITaskByID)
	mux.HandleFunc("GET /api/wakes/ws", s.handleWakeStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics)

	var h http.Handler = mux
	h = NewTokenAuth(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.withTrace(h)
}

// withTrace propagates or assigns a trace id for every request.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-ID"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "http.webhook", otel.AttrTrigger.String(name))
	var err error
	defer func() { otel.EndSpan(span, err) }()
	log := telemetry.FromContext(ctx, s.logger)

	payload, truncated, err := ingress.CapturePayload(r.Body, r.Header.Get("Content-Type"), s.cfg.MaxBodyBytes)
	if err != nil {
		log.Warn("webhook: read body", "trigger", name, "error", err)
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if truncated {
		log.Warn("webhook: payload truncated", "trigger", name, "max_bytes", s.cfg.MaxBodyBytes)
	}

	_, err = s.cfg.Ingress.Webhook(ctx, name, webhookCredential(r), payload)
	if err != nil {
		status := webhookStatus(err)
		log.Info("webhook rejected", "trigger", name, "status", status, "url", shared.RedactURL(r.URL), "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "trigger": name})
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, persistence.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type chatRequest struct {
	Content    string `json:"content"`
	SessionKey string `json:"session_key,omitempty"`
}

type chatResponse struct {
	Message      *persistence.Message `json:"message"`
	InvocationID string               `json:"invocation_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.Content = r.PostForm.Get("content")
		req.SessionKey = r.PostForm.Get("session_key")
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, inv, err := s.cfg.Ingress.Intake(r.Context(), ingress.Inbound{
		Channel:    "web",
		Sender:     "web-ui",
		Content:    req.Content,
		SessionKey: req.SessionKey,
	})
	if err != nil {
		telemetry.FromContext(r.Context(), s.logger).Error("chat intake failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := chatResponse{Message: msg}
	if inv != nil {
		resp.InvocationID = inv.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{TriggerName: q.Get("trigger"), Limit: 20}
	if v := q.Get("status"); v != "" {
		status, err := persistence.ParseTaskStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	tasks, err := s.cfg.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.cfg.Queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	events, err := s.cfg.Queue.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "events": events})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.Ping(ctx) == nil
	version, _, _ := s.cfg.Store.SchemaVersion(ctx)
	pending, _ := s.cfg.Store.PendingWakeCount(ctx)

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"schema_version": version,
		"pending_wakes":  pending,
	})
}

// statusFor maps store errors to HTTP statuses for the API routes.
func statusFor(err error) int {
	switch {
	case persistence.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition), errors.Is(err, persistence.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
