// Package gateway is the HTTP surface of voxdesk: the role-checked proxy
// actions, the campaign queue endpoints, the live status stream and the
// provider webhook.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/redact"
	"github.com/basket/voxdesk/internal/shared"
	"github.com/basket/voxdesk/internal/voice"
)

// Provider is the voice API surface the proxy actions forward to.
type Provider interface {
	Configured() bool
	PlaceCall(ctx context.Context, req voice.CallRequest) (voice.CallResponse, error)
	StopCall(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, executionID string) (voice.Execution, error)
	ExecutionLogs(ctx context.Context, executionID string) ([]voice.LogEntry, error)
	AgentExecutions(ctx context.Context, agentID string) ([]voice.Execution, error)
	ListAgents(ctx context.Context) ([]voice.Agent, error)
	CreateAgent(ctx context.Context, body json.RawMessage) (voice.AgentRef, error)
	UpdateAgent(ctx context.Context, agentID string, body json.RawMessage) (voice.AgentRef, error)
	DeleteAgent(ctx context.Context, agentID string) error
	OpenRecording(ctx context.Context, rawURL string) (io.ReadCloser, http.Header, error)
}

type Config struct {
	Store  *persistence.Store
	Queue  *queue.Service
	Voice  Provider
	Policy policy.Checker
	// Signer issues recording tokens. Nil disables recording access.
	Signer *redact.Signer
	// WebhookSecret must match the X-Webhook-Secret header of provider
	// callbacks. Empty disables the webhook.
	WebhookSecret string
	FromNumber    string
	// CreditsPerCall is charged for calls placed through initiate-call.
	CreditsPerCall int

	AllowOrigins      []string
	MaxRequestBytes   int64
	RateLimit         config.RateLimitConfig
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	store   *persistence.Store
	queue   *queue.Service
	voice   Provider
	policy  policy.Checker
	signer  *redact.Signer
	cfg     Config
	actions *Registry
	limiter *RateLimiter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Voice == nil || cfg.Policy == nil {
		return nil, errors.New("gateway needs a store, queue, voice provider and policy")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s := &Server{
		store:   cfg.Store,
		queue:   cfg.Queue,
		voice:   cfg.Voice,
		policy:  cfg.Policy,
		signer:  cfg.Signer,
		cfg:     cfg,
		actions: NewRegistry(),
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		metrics: cfg.Metrics,
	}
	var rejects metric.Int64Counter
	if cfg.Metrics != nil {
		rejects = cfg.Metrics.RateLimitRejects
	}
	s.limiter = NewRateLimiter(cfg.RateLimit, rejects)

	var groups [][]Action
	groups = append(groups, s.dataActions(), s.voiceActions(), s.campaignActions())
	for _, group := range groups {
		for _, a := range group {
			if err := s.actions.Register(a); err != nil {
				return nil, err
			}
		}
	}
	if err := checkPolicyCoverage(s.actions); err != nil {
		return nil, err
	}
	return s, nil
}

// checkPolicyCoverage fails when a bearer-authenticated action has no role
// entry in the policy and would therefore be denied to everyone.
func checkPolicyCoverage(r *Registry) error {
	known := make(map[string]bool)
	for _, name := range policy.KnownActions() {
		known[name] = true
	}
	for _, name := range r.Names() {
		if a, _ := r.Lookup(name); !a.TokenAuth && !known[name] {
			return fmt.Errorf("action %s has no policy entry", name)
		}
	}
	return nil
}

// Actions exposes the action registry.
func (s *Server) Actions() *Registry {
	return s.actions
}

// StartBackground runs housekeeping until ctx ends.
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes))
	r.Use(s.limiter.Wrap)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhooks/voice", s.handleVoiceWebhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.store))
		r.Get("/metrics", s.handleMetrics)

		r.Post("/functions/process-campaign-calls", s.handleProcessCampaignCalls)
		r.Get("/functions/{name}", s.handleFunction)
		r.Post("/functions/{name}", s.handleFunction)

		r.Route("/api/campaigns/{id}", func(r chi.Router) {
			r.Post("/enqueue", s.campaignRoute("campaign.enqueue"))
			r.Post("/retry", s.campaignRoute("campaign.retry"))
			r.Post("/cancel", s.campaignRoute("campaign.cancel"))
			r.Get("/status", s.campaignRoute("campaign.status"))
		})
		r.Get("/ws/campaigns/{id}/status", s.handleStatusStream)
	})
	return r
}

// instrument tags each request with a trace id and a server span and
// records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		w.Header().Set("X-Trace-Id", traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		span.SetAttributes(otel.AttrRoute.String(route), otel.AttrHTTPStatus.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if s.metrics != nil {
			s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				otel.AttrRoute.String(route),
				otel.AttrHTTPStatus.Int(status),
			))
		}
		s.logger.DebugContext(ctx, "request", "method", r.Method, "route", route, "status", status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	action, params, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if action == "" {
		writeError(w, fmt.Errorf("%w: action is required", errInvalidParams))
		return
	}
	s.serveAction(w, r, chi.URLParam(r, "name")+"."+action, params)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"policy_version":     s.policy.PolicyVersion(),
		"provider_ready":     s.voice.Configured(),
		"recordings_enabled": s.signer != nil,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleMetrics reports queue totals for operators. Only admins and
// engineers see it.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, queue.ErrUnauthenticated)
		return
	}
	if !p.HasRole(policy.RoleAdmin) && !p.HasRole(policy.RoleEngineer) {
		writeError(w, queue.ErrForbidden)
		return
	}
	totals, err := s.store.QueueTotals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":          totals,
		"policy_denials": audit.Count(audit.Deny),
		"alloc_bytes":    mem.Alloc,
		"goroutines":     runtime.NumGoroutine(),
	})
}
