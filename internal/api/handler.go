package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/genproxy/internal/auth"
	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/metrics"
	"github.com/felipepmaragno/genproxy/internal/provider"
	"github.com/felipepmaragno/genproxy/internal/quota"
	"github.com/felipepmaragno/genproxy/internal/relay"
	"github.com/felipepmaragno/genproxy/internal/telemetry"
	"github.com/felipepmaragno/genproxy/internal/usage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 10 << 20

// ConversationHeader scopes usage accounting to a caller-supplied
// conversation. Without it every call is accounted separately.
const ConversationHeader = "X-Conversation-ID"

type QuotaEvaluator interface {
	Evaluate(ctx context.Context, userID string) (*domain.QuotaDecision, error)
	UserUsage(ctx context.Context, userID string) (day string, used int64, err error)
	Limits() quota.Limits
}

type UsageCommitter interface {
	Commit(ctx context.Context, key, userID, day string, summary *domain.GenerationSummary) error
}

type HandlerConfig struct {
	Sessions  auth.SessionResolver
	Provider  provider.Provider
	Quota     QuotaEvaluator
	Committer UsageCommitter
	Relay     *relay.Relay
	Checkers  []HealthChecker
	Version   string
}

type Handler struct {
	provider  provider.Provider
	quota     QuotaEvaluator
	committer UsageCommitter
	relay     *relay.Relay
	mux       *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	rl := cfg.Relay
	if rl == nil {
		rl = relay.New(0)
	}

	h := &Handler{
		provider:  cfg.Provider,
		quota:     cfg.Quota,
		committer: cfg.Committer,
		relay:     rl,
		mux:       http.NewServeMux(),
	}

	sessions := auth.NewMiddleware(cfg.Sessions)
	generate := sessions.RequireSession(http.HandlerFunc(h.handleGenerate))

	h.mux.Handle("POST /v1/generate", generate)
	h.mux.Handle("POST /api/generate", generate)
	h.mux.Handle("GET /v1/usage", sessions.RequireSession(http.HandlerFunc(h.handleUsage)))
	h.mux.HandleFunc("GET /health/live", handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	userID, _ := auth.UserIDFromContext(r.Context())
	providerID, model := h.provider.ID(), h.provider.Model()

	ctx, span := telemetry.StartSpan(r.Context(), "generate")
	defer span.End()
	telemetry.AddRequestAttributes(span, userID, providerID, model, requestID)

	logger := slog.With(
		"request_id", requestID,
		"trace_id", telemetry.GetTraceID(ctx),
		"user_id", userID,
		"provider", providerID,
	)

	if err := h.provider.Configured(ctx); err != nil {
		logger.Error("provider not configured", "error", err)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(providerID, model, "not_configured", time.Since(start).Seconds())
		writeError(w, http.StatusInternalServerError, h.provider.Name()+" not configured", nil)
		return
	}

	req, err := decodeRequest(w, r)
	if err != nil {
		logger.Warn("invalid request body", "error", err)
		metrics.RecordRequest(providerID, model, "invalid", time.Since(start).Seconds())
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	decision, err := h.quota.Evaluate(ctx, userID)
	if err != nil {
		logger.Error("quota evaluation failed", "error", err)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(providerID, model, "error", time.Since(start).Seconds())
		writeError(w, http.StatusInternalServerError, "Generation failed", "quota check unavailable")
		return
	}
	telemetry.AddQuotaAttributes(span, decision.Allowed, string(decision.Reason), decision.TokensUsed)

	if !decision.Allowed {
		logger.Warn("daily token quota exceeded",
			"reason", decision.Reason,
			"tokens_used", decision.TokensUsed,
			"global_tokens_used", decision.GlobalTokensUsed,
		)
		metrics.RecordQuotaDenial(string(decision.Reason))
		metrics.RecordRequest(providerID, model, "quota_exceeded", time.Since(start).Seconds())
		writeQuotaDenied(w, decision)
		return
	}

	stream, err := h.provider.StreamGenerate(ctx, req)
	if errors.Is(err, domain.ErrInvalidRequest) {
		logger.Warn("request not supported by provider", "error", err)
		metrics.RecordRequest(providerID, model, "invalid", time.Since(start).Seconds())
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err != nil {
		logger.Error("upstream call failed", "error", err)
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordProviderError(providerID, "pre_stream")
		metrics.RecordRequest(providerID, model, "error", time.Since(start).Seconds())
		writeError(w, http.StatusInternalServerError, "Generation failed", err.Error())
		return
	}
	defer stream.Close()

	relay.SetSSEHeaders(w)

	metrics.IncrementActiveStreams()
	result := h.relay.Serve(ctx, w, stream)
	metrics.DecrementActiveStreams()
	telemetry.AddStreamAttributes(span, result.Frames)
	if result.WriteErr != nil {
		logger.Debug("client write failed", "error", result.WriteErr)
	}

	status := "success"
	switch {
	case result.Err == nil:
	case errors.Is(result.Err, context.Canceled):
		status = "client_gone"
	default:
		status = "stream_error"
		metrics.RecordProviderError(providerID, "mid_stream")
		telemetry.AddErrorAttribute(span, result.Err)
	}

	if s := result.Summary; s != nil && s.UsageMetadata != nil {
		h.commit(ctx, logger, r.Header.Get(ConversationHeader), userID, decision.Day, s)
		telemetry.AddTokenAttributes(span, s.UsageMetadata.PromptTokenCount, s.UsageMetadata.CandidatesTokenCount, s.UsageMetadata.TotalTokenCount)
		metrics.RecordTokens(providerID, model, s.UsageMetadata.PromptTokenCount, s.UsageMetadata.CandidatesTokenCount)
	}

	latency := time.Since(start)
	metrics.RecordRequest(providerID, model, status, latency.Seconds())
	logger.Info("generation completed",
		"model", model,
		"status", status,
		"frames", result.Frames,
		"latency_ms", latency.Milliseconds(),
	)
}

// commit runs detached from the request so a client that disconnects after
// the summary arrived does not lose the accounting.
func (h *Handler) commit(ctx context.Context, logger *slog.Logger, conversationID, userID, day string, s *domain.GenerationSummary) {
	if conversationID == "" {
		logger.Debug("no conversation id, accounting by response id", "response_id", s.ResponseID)
	}
	key := usage.AccountingKey(userID, day, conversationID, s.ResponseID)

	if err := h.committer.Commit(context.WithoutCancel(ctx), key, userID, day, s); err != nil {
		logger.Error("usage commit failed", "error", err, "accounting_key", key)
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (domain.GenerationRequest, error) {
	var req domain.GenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return req, err
	}
	if len(req.Contents) == 0 {
		return req, fmt.Errorf("%w: contents is required", domain.ErrInvalidRequest)
	}
	if req.GenerationConfig == nil {
		return req, fmt.Errorf("%w: generationConfig is required", domain.ErrInvalidRequest)
	}
	return req, nil
}

type userQuotaDetails struct {
	DailyTokenLimit int64 `json:"dailyTokenLimit"`
	TokensUsed      int64 `json:"tokensUsed"`
}

type globalQuotaDetails struct {
	DailyTotalTokenUsageLimit int64  `json:"dailyTotalTokenUsageLimit"`
	TotalTokensUsedToday      int64  `json:"totalTokensUsedToday"`
	Message                   string `json:"message"`
}

func writeQuotaDenied(w http.ResponseWriter, d *domain.QuotaDecision) {
	w.Header().Set("Retry-After", secondsUntilNextDay(time.Now()))

	if d.Reason == domain.QuotaReasonGlobalExceeded {
		writeError(w, http.StatusTooManyRequests, "Global daily token limit exceeded", globalQuotaDetails{
			DailyTotalTokenUsageLimit: d.GlobalLimit,
			TotalTokensUsedToday:      d.GlobalTokensUsed,
			Message:                   "The service has reached its daily token limit. Please try again tomorrow.",
		})
		return
	}

	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", userQuotaDetails{
		DailyTokenLimit: d.UserLimit,
		TokensUsed:      d.TokensUsed,
	})
}

// secondsUntilNextDay is the Retry-After value for a quota denial: quotas
// reset at the next UTC midnight.
func secondsUntilNextDay(now time.Time) string {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return strconv.FormatInt(int64(next.Sub(now).Seconds())+1, 10)
}

type usageResponse struct {
	UserID          string `json:"userId"`
	Day             string `json:"day"`
	TokensUsed      int64  `json:"tokensUsed"`
	DailyTokenLimit int64  `json:"dailyTokenLimit"`
	Remaining       int64  `json:"remaining"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	day, used, err := h.quota.UserUsage(r.Context(), userID)
	if err != nil {
		slog.Error("usage lookup failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "Usage lookup failed", nil)
		return
	}

	limit := h.quota.Limits().PerUserDaily
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(usageResponse{
		UserID:          userID,
		Day:             day,
		TokensUsed:      used,
		DailyTokenLimit: limit,
		Remaining:       max(limit-used, 0),
	})
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	body := map[string]any{"error": message}
	if details != nil {
		body["details"] = details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
