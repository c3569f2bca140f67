package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// signatureHeader carries the Base64 HMAC-SHA-256 of the request body.
const signatureHeader = "X-Keycloak-Signature"

// maxWebhookBody bounds the accepted payload size.
const maxWebhookBody = 1 << 20

// EventIngress accepts webhook deliveries.
type EventIngress interface {
	// Submit validates and enqueues one delivery, returning its
	// correlation ID.
	Submit(body []byte, signature string) (string, error)
}

// eventHandler is the webhook ingress endpoint.
type eventHandler struct {
	ingress EventIngress
	logger  *slog.Logger
}

// newEventHandler is a constructor of the webhook ingress handler.
func newEventHandler(ingress EventIngress, logger *slog.Logger) *eventHandler {
	return &eventHandler{ingress: ingress, logger: logger}
}

// ingestEvent handles POST /api/kc/events.
func (h *eventHandler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "failed to read request body")
		return
	}

	correlationID, err := h.ingress.Submit(body, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		writeJSON(w, h.logger, http.StatusOK, map[string]string{
			"status":         "accepted",
			"correlation_id": correlationID,
		})
	case errors.Is(err, scrambridge.ErrInvalidSignature):
		h.logger.Warn("webhook rejected, invalid signature",
			slog.String("remote_addr", r.RemoteAddr))
		writeError(w, h.logger, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, scrambridge.ErrPayloadInvalid):
		writeError(w, h.logger, http.StatusBadRequest, "malformed payload")
	case errors.Is(err, scrambridge.ErrQueueFull):
		writeError(w, h.logger, http.StatusServiceUnavailable, "event queue full")
	default:
		h.logger.Error("webhook ingress failed", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal error")
	}
}
