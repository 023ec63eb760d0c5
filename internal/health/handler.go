// Package health serves liveness probes for the store and the payment processor.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/storefront/internal/payment"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type PaymentProbe interface {
	CheckHealth(ctx context.Context) payment.Health
}

type Handler struct {
	db      Pinger
	payment PaymentProbe
	timeout time.Duration
	logger  *slog.Logger
}

func NewHandler(db Pinger, probe PaymentProbe, timeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		db:      db,
		payment: probe,
		timeout: timeout,
		logger:  logger,
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("database health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "unreachable"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

type paymentHealthResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Payment   payment.Health `json:"payment"`
}

// HandlePayment reports processor reachability. The key mode is included,
// the key is not.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result := h.payment.CheckHealth(ctx)

	status := http.StatusOK
	if !result.Reachable {
		h.logger.Warn("payment processor health check failed", "error", result.Error, "key_mode", result.KeyMode)
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, paymentHealthResponse{Timestamp: time.Now().UTC(), Payment: result})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
