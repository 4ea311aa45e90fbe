package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

const (
	maxRequestBodyBytes = 64 << 10
	readinessTimeout    = 3 * time.Second
)

// ReadinessCheck pings one dependency.
type ReadinessCheck func(ctx context.Context) error

// Metrics is the slice of the metrics registry the router needs.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
	RecordRateLimited()
}

type RouterConfig struct {
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	QueueTimeout   time.Duration
}

type Router struct {
	answers ports.AnswerService
	checks  map[string]ReadinessCheck
	metrics Metrics
	cfg     RouterConfig
	logger  *zap.Logger
}

func NewRouter(cfg RouterConfig, answers ports.AnswerService, checks map[string]ReadinessCheck, metrics Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		answers: answers,
		checks:  checks,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.Named("http"),
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/answer", rt.answer)

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.cfg.MaxInFlight, rt.cfg.QueueTimeout)
	guarded = rateLimitMiddleware(guarded, rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst, rt.onRateLimited)
	guarded = bearerAuthMiddleware(guarded, rt.cfg.APIKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler, rt.logger)
	return requestIDMiddleware(handler)
}

func (rt *Router) onRateLimited() {
	if rt.metrics != nil {
		rt.metrics.RecordRateLimited()
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(rt.checks))
	for name := range rt.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := rt.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			rt.logger.Warn("readiness_check_failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	var req domain.AnswerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if strings.TrimSpace(req.Jurisdiction) == "" {
		writeError(w, http.StatusBadRequest, "jurisdiction is required")
		return
	}

	answer, err := rt.answers.Answer(r.Context(), req)
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if errors.Is(err, context.Canceled) {
			status = 499
		}
		rt.logger.Warn("answer_failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("jurisdiction", req.Jurisdiction),
			zap.Error(err),
		)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
