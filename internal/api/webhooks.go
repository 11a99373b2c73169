package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/delivery"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
)

// SignatureHeader carries the HMAC of a delivery callback body.
const SignatureHeader = "X-Signature"

// deliveryWebhook applies a provider status callback. It always answers
// 202 so providers do not retry payloads the engine cannot use.
func (s *Server) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	result := "applied"
	defer func() {
		metrics.IncWebhook(result)
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{"result": result})
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		result = "dropped"
		s.logger.Warn().Err(err).Msg("failed to read delivery webhook")
		return
	}
	if s.webhookSecret != nil && !delivery.VerifySignature(s.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		result = "dropped"
		s.logger.Warn().Msg("delivery webhook signature mismatch")
		return
	}

	var payload models.DeliveryStatusWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		result = "dropped"
		s.logger.Warn().Err(fmt.Errorf("%w: %v", delivery.ErrInvalidWebhookPayload, err)).Msg("dropping delivery webhook")
		return
	}

	m, changed, err := s.deps.Reconciler.Apply(r.Context(), payload)
	if err != nil {
		result = "dropped"
		s.logger.Warn().
			Err(err).
			Str("message_id", payload.MessageID).
			Str("external_id", payload.ExternalID).
			Str("status", string(payload.Status)).
			Msg("dropping delivery webhook")
		return
	}
	if !changed {
		result = "unchanged"
	}
	s.logger.Debug().Str("message_id", m.ID).Str("status", string(m.Status)).Msg("delivery webhook applied")
}
