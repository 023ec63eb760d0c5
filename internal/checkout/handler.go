package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront/internal/admission"
	"github.com/joao-fontenele/storefront/internal/domain"
	"github.com/joao-fontenele/storefront/internal/telemetry"
)

const (
	maxRequestBytes     = 64 << 10
	defaultCheckTimeout = 2 * time.Second
)

type Initiator interface {
	Initiate(ctx context.Context, req Request) (*Result, error)
}

type Limits struct {
	MaxRequests int
	Window      time.Duration
	// CheckTimeout bounds a single gate lookup. Non-positive means 2s.
	CheckTimeout time.Duration
}

type Handler struct {
	checkout  Initiator
	gate      admission.Gate
	limits    Limits
	logger    *slog.Logger
	decisions metric.Int64Counter
}

func NewHandler(checkout Initiator, gate admission.Gate, limits Limits, logger *slog.Logger) *Handler {
	if limits.CheckTimeout <= 0 {
		limits.CheckTimeout = defaultCheckTimeout
	}
	return &Handler{
		checkout:  checkout,
		gate:      gate,
		limits:    limits,
		logger:    logger,
		decisions: telemetry.NewCounter("storefront.admission.decisions", "Admission gate decisions for checkout"),
	}
}

type rateLimitedResponse struct {
	Error   string    `json:"error"`
	ResetAt time.Time `json:"resetAt"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ip := admission.ClientIP(r)

	decision, err := h.admit(r.Context(), "checkout:"+ip)
	if err != nil {
		h.logger.Error("admission check failed, admitting request", "error", err, "client_ip", ip)
	} else {
		h.setRateLimitHeaders(w, decision)
		if !decision.Allowed {
			h.decisions.Add(r.Context(), 1, metric.WithAttributes(attribute.Bool("allowed", false)))
			h.logger.Warn("checkout rate limited", "client_ip", ip, "reset_at", decision.ResetAt)
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
				Error:   "Too many requests. Please try again later.",
				ResetAt: decision.ResetAt.UTC(),
			})
			return
		}
		h.decisions.Add(r.Context(), 1, metric.WithAttributes(attribute.Bool("allowed", true)))
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.checkout.Initiate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		default:
			h.logger.Error("checkout failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) admit(ctx context.Context, identifier string) (admission.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.limits.CheckTimeout)
	defer cancel()
	return h.gate.Check(ctx, identifier, h.limits.MaxRequests, h.limits.Window)
}

func (h *Handler) setRateLimitHeaders(w http.ResponseWriter, decision admission.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
