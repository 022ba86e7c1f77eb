package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/pkg/paygate"
	"github.com/agentdeck/agentdeck-api/internal/pkg/response"
)

const maxWebhookBody = 64 << 10

// Handler handles payment webhook requests
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates payment handler
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// Webhook handles POST /webhooks/payments. Signature verification is a
// hard gate: no payload field is even parsed before the body is
// authenticated. Non-2xx answers make the processor redeliver.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Cannot read body")
		return
	}

	signature := r.Header.Get(paygate.SignatureHeader)
	if !paygate.VerifySignature(body, signature, h.secret) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Payment webhook with invalid signature")
		response.Unauthorized(w, "Invalid signature")
		return
	}

	ev, err := paygate.ParseEvent(body)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed payment webhook payload")
		response.BadRequest(w, "Malformed event")
		return
	}

	if ev.Type != paygate.EventTypePaymentConfirmed {
		// Unknown event types are acknowledged so the processor stops
		// redelivering them.
		response.OK(w, map[string]string{"status": "ignored"})
		return
	}

	outcome, err := h.service.ApplyEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			// Same event ID with a different amount. Redelivery cannot
			// fix this; surface it and stop the retry loop.
			log.Error().Str("event_id", ev.EventID).Msg("Payment event conflicts with recorded transaction")
			response.Conflict(w, "Event conflicts with an applied transaction")
			return
		}
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to apply payment event")
		response.ServiceUnavailable(w)
		return
	}

	status := "applied"
	if !outcome.Applied {
		status = "already_applied"
	}
	response.OK(w, map[string]string{"status": status})
}

// Routes returns webhook router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.Webhook)

	return r
}
