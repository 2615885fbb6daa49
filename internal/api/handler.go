package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/geminiweb/gateway/internal/admission"
	"github.com/geminiweb/gateway/internal/cache"
	"github.com/geminiweb/gateway/internal/domain"
	"github.com/geminiweb/gateway/internal/metrics"
	"github.com/geminiweb/gateway/internal/openai"
	"github.com/geminiweb/gateway/internal/provider"
	"github.com/geminiweb/gateway/internal/stream"
)

const chatCompletionsPath = "/v1/chat/completions"

type HandlerConfig struct {
	Provider *provider.Provider
	Cache    cache.Cache
	CacheTTL time.Duration

	ChatTimeout        time.Duration
	StreamIdleTimeout  time.Duration
	StreamTotalTimeout time.Duration

	MaxMessages          int
	MaxTotalMessageChars int
}

type Handler struct {
	provider *provider.Provider
	cache    cache.Cache
	cacheTTL time.Duration

	chatTimeout   time.Duration
	assembler     *stream.Assembler
	maxMessages   int
	maxTotalChars int

	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		provider: cfg.Provider,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,

		chatTimeout: cfg.ChatTimeout,
		assembler: &stream.Assembler{
			IdleTimeout:  cfg.StreamIdleTimeout,
			TotalTimeout: cfg.StreamTotalTimeout,
		},
		maxMessages:   cfg.MaxMessages,
		maxTotalChars: cfg.MaxTotalMessageChars,

		mux: http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.HandleFunc("POST "+chatCompletionsPath, h.handleChatCompletions)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := admission.RequestIDFrom(r.Context())

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &domain.ConfigurationError{Message: "invalid request body"})
		return
	}

	if err := openai.Validate(&req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.maxMessages > 0 && len(req.Messages) > h.maxMessages {
		h.writeError(w, r, &domain.ConfigurationError{Message: "too many messages"})
		return
	}
	if h.maxTotalChars > 0 {
		total := 0
		for _, m := range req.Messages {
			total += len(m.Content)
		}
		if total > h.maxTotalChars {
			h.writeError(w, r, &domain.ConfigurationError{Message: "message content too large"})
			return
		}
	}

	intent := domain.CompletionIntent{
		LogicalModel: req.Model,
		Messages:     openai.ToProviderMessages(req.Messages),
		MinTier:      domain.TierAny,
		Extra:        openai.ExtractGenerationParams(&req),
	}

	if req.Stream {
		h.handleStreaming(w, r, intent, requestID, start)
		return
	}

	skipCache := r.Header.Get("X-Skip-Cache") == "true"
	var cacheKey string
	if h.cache != nil && !skipCache {
		cacheKey = cache.GenerateKey(intent.LogicalModel, intent.Messages, intent.Extra)
		if cached, ok := h.cache.Get(r.Context(), cacheKey); ok {
			metrics.CacheHits.Inc()
			metrics.RecordRequest(chatCompletionsPath, "200", time.Since(start).Seconds())
			slog.Info("cache hit", "request_id", requestID, "model", req.Model)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			json.NewEncoder(w).Encode(cached)
			return
		}
		metrics.CacheMisses.Inc()
	}

	ctx := r.Context()
	if h.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.chatTimeout)
		defer cancel()
	}

	result, err := h.provider.Complete(ctx, intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := openai.NewChatCompletionResponse(req.Model, result.Content)
	if h.cache != nil && cacheKey != "" {
		if err := h.cache.Set(r.Context(), cacheKey, &resp, h.cacheTTL); err != nil {
			slog.Warn("failed to cache response", "error", err, "request_id", requestID)
		}
	}

	latency := time.Since(start)
	metrics.RecordRequest(chatCompletionsPath, "200", latency.Seconds())
	slog.Info("request completed",
		"request_id", requestID,
		"model", req.Model,
		"latency_ms", latency.Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	if h.cache != nil && !skipCache {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreaming(w http.ResponseWriter, r *http.Request, intent domain.CompletionIntent, requestID string, start time.Time) {
	// Cancelled on return so the upstream body is released on deadline or
	// client disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fragments, errs, err := h.provider.Stream(ctx, intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := h.assembler.Run(ctx, w, intent.LogicalModel, fragments, errs); err != nil {
		// Headers are already on the wire; all that is left is to cut the
		// stream and account for the failure.
		metrics.RecordServerError(errType(err))
		metrics.RecordRequest(chatCompletionsPath, "stream_error", time.Since(start).Seconds())
		slog.Error("streaming request failed", "request_id", requestID, "model", intent.LogicalModel, "error", err)
		return
	}

	latency := time.Since(start)
	metrics.RecordRequest(chatCompletionsPath, "200", latency.Seconds())
	slog.Info("streaming request completed",
		"request_id", requestID,
		"model", intent.LogicalModel,
		"latency_ms", latency.Milliseconds(),
	)
}

// errType buckets an error for the error envelope and metrics.
func errType(err error) string {
	var (
		authErr    *domain.AuthenticationError
		rateErr    *domain.RateLimitError
		breakerErr *domain.CircuitBreakerOpenError
		configErr  *domain.ConfigurationError
		featErr    *domain.UnsupportedFeatureError
		protoErr   *domain.UpstreamProtocolError
		timeoutErr *domain.RequestTimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		return "authentication_error"
	case errors.As(err, &rateErr):
		return "rate_limit_error"
	case errors.As(err, &breakerErr):
		return "circuit_breaker_open"
	case errors.As(err, &configErr), errors.As(err, &featErr):
		return "invalid_request_error"
	case errors.As(err, &protoErr):
		return "upstream_error"
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "api_error"
	}
}

// writeError maps a classified failure onto the wire: status code, error
// envelope with the correlation id as code, and Retry-After where known.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := admission.RequestIDFrom(r.Context())

	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		metrics.RecordRequest(chatCompletionsPath, "canceled", 0)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &domain.RequestTimeoutError{Message: "request timed out"}
	}

	status := http.StatusInternalServerError
	envType := "api_error"
	retryAfter := 0

	var (
		authErr    *domain.AuthenticationError
		rateErr    *domain.RateLimitError
		breakerErr *domain.CircuitBreakerOpenError
		configErr  *domain.ConfigurationError
		featErr    *domain.UnsupportedFeatureError
		protoErr   *domain.UpstreamProtocolError
		timeoutErr *domain.RequestTimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		status, envType = http.StatusUnauthorized, "authentication_error"
	case errors.As(err, &rateErr):
		status, envType = http.StatusTooManyRequests, "rate_limit_error"
		retryAfter = rateErr.RetryAfter
	case errors.As(err, &breakerErr):
		status, envType = http.StatusServiceUnavailable, "upstream_error"
		retryAfter = breakerErr.RetryAfter
	case errors.As(err, &configErr), errors.As(err, &featErr):
		status, envType = http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &protoErr):
		status, envType = http.StatusBadGateway, "upstream_error"
	case errors.As(err, &timeoutErr):
		status, envType = http.StatusGatewayTimeout, "upstream_error"
	}

	metrics.RecordServerError(errType(err))
	metrics.RecordRequest(chatCompletionsPath, strconv.Itoa(status), 0)

	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openai.NewErrorResponse(err.Error(), envType, requestID))
}
