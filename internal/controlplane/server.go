package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v57/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/endorhq/rover-sub004/internal/events"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/orchestrator"
)

// maxBodyBytes bounds webhook and event request bodies.
const maxBodyBytes = 1 << 20

// Options configures the HTTP server.
type Options struct {
	// WebhookSecret verifies GitHub signatures. Empty skips verification.
	WebhookSecret string
	// WebhookRateLimit and WebhookBurst bound webhook requests per client IP.
	WebhookRateLimit float64
	WebhookBurst     int
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server provides the HTTP API of the daemon.
type Server struct {
	service *Service
	addr    string
	opts    Options
	logger  *logging.Logger
	server  *http.Server

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	lastCleanup  time.Time
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, opts Options) *Server {
	if opts.WebhookRateLimit <= 0 {
		opts.WebhookRateLimit = 1
	}
	if opts.WebhookBurst <= 0 {
		opts.WebhookBurst = 10
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		service: service,
		addr:    addr,
		opts:    opts,
		logger:  logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/webhooks/github", s.handleGitHubWebhook)
	r.Post("/events", s.handleSubmitEvent)

	r.Get("/pending", s.handleListPending)
	r.Delete("/pending/{id}", s.handleRemovePending)
	r.Post("/drain", s.handleDrain)

	r.Get("/traces", s.handleListTraces)
	r.Get("/traces/{id}", s.handleGetTrace)
	r.Get("/traces/{id}/actions", s.handleTraceActions)
	r.Get("/spans/{id}/path", s.handleSpanPath)
	r.Get("/steps", s.handleSteps)
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.opts.WebhookSecret == "" {
		s.logger.Warn(context.Background(), "webhook secret not configured, signatures are not verified")
	}
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info(context.Background(), "control plane listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInFlight):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// --- Health ---

// HealthResponse is the response body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Events ---

// SubmitResponse reports the chain started for an event.
type SubmitResponse struct {
	Status   string `json:"status"`
	ChainID  string `json:"chainId,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
	ActionID string `json:"actionId,omitempty"`
}

func submitted(pa models.PendingAction) SubmitResponse {
	return SubmitResponse{Status: "accepted", ChainID: pa.ChainID, TraceID: pa.TraceID, ActionID: pa.ActionID}
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var e events.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if e.Source == "" {
		e.Source = "api"
	}
	pa, err := s.service.SubmitEvent(r.Context(), &e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted(pa))
}

// getRateLimiter returns the webhook limiter for a client IP.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	// limiters are dropped hourly so the map cannot grow without bound
	if s.rateLimiters == nil || time.Since(s.lastCleanup) > time.Hour {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, ok := s.rateLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.opts.WebhookRateLimit), s.opts.WebhookBurst)
		s.rateLimiters[ip] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := clientIP(r)
	if !s.getRateLimiter(ip).Allow() {
		s.logger.Warn(ctx, "webhook rate limit exceeded", zap.String("ip", ip))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := github.ValidatePayload(r, []byte(s.opts.WebhookSecret))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	e, err := events.FromGitHub(eventType, payload)
	if errors.Is(err, events.ErrIgnored) {
		s.logger.Debug(ctx, "ignoring webhook", zap.String("type", eventType))
		writeJSON(w, http.StatusOK, SubmitResponse{Status: "ignored"})
		return
	}
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.String("type", eventType), zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if id := github.DeliveryID(r); id != "" {
		e.ID = id
	}

	pa, err := s.service.SubmitEvent(ctx, e)
	if err != nil {
		s.logger.Error(ctx, "failed to start chain", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted(pa))
}

// --- Queue ---

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.service.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleRemovePending(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemovePending(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.service.Drain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

// --- Traces ---

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	traces := s.service.ListTraces()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := traces[:0]
		for _, t := range traces {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		traces = filtered
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.service.GetTrace(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleTraceActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.service.TraceActions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []models.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleSpanPath(w http.ResponseWriter, r *http.Request) {
	path, err := s.service.SpanPath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, path)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Steps())
}
