package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/storefront/internal/domain"
)

const (
	maxBodyBytes    = 1 << 20
	signatureHeader = "Stripe-Signature"
)

type Processor interface {
	Process(ctx context.Context, payload []byte, signature string) (*Outcome, error)
}

type Handler struct {
	processor Processor
	logger    *slog.Logger
}

func NewHandler(processor Processor, logger *slog.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger,
	}
}

type receivedResponse struct {
	Received         bool   `json:"received"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
	Warning          string `json:"warning,omitempty"`
}

func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	outcome, err := h.processor.Process(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAuthentication):
			h.logger.Warn("webhook signature verification failed", "error", err)
			h.writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, domain.ErrValidation):
			h.logger.Warn("malformed webhook event", "error", err)
			h.writeError(w, http.StatusBadRequest, "malformed event")
		case errors.Is(err, domain.ErrReconciliation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("webhook processing failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, receivedResponse{
		Received:         true,
		AlreadyProcessed: outcome.AlreadyProcessed,
		Warning:          outcome.Warning,
	})
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
