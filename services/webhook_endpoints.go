package services

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "ElevenLabs-Signature"
)

type WebhookEndpoints struct {
	webhooks *WebhookService
	log      *logger.Logger
}

func NewWebhookEndpoints(webhooks *WebhookService, log *logger.Logger) *WebhookEndpoints {
	return &WebhookEndpoints{webhooks: webhooks, log: log.With("component", "webhook_endpoints")}
}

func (e *WebhookEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/elevenlabs/post-call", e.PostCallHandler)
	})
}

func (e *WebhookEndpoints) PostCallHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body too large or unreadable")
		return
	}

	if err := e.webhooks.VerifySignature(r.Header.Get(signatureHeader), body); err != nil {
		e.webhooks.outcome("unauthorized")
		writeServiceError(w, e.log, "Webhook signature rejected", err)
		return
	}

	result, err := e.webhooks.ProcessPostCall(r.Context(), body)
	if err != nil {
		writeServiceError(w, e.log, "Post-call webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
