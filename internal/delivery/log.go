package delivery

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// LogSender logs envelopes instead of sending them. It stands in for
// unconfigured providers and dry runs.
type LogSender struct {
	channel models.StepType
	logger  zerolog.Logger
}

// NewLogSender creates a log-only sender for channel.
func NewLogSender(channel models.StepType) *LogSender {
	return &LogSender{channel: channel, logger: logging.Component("delivery.log")}
}

// Channel implements Sender.
func (s *LogSender) Channel() models.StepType { return s.channel }

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, env Envelope) (string, error) {
	id := "log-" + uuid.New().String()
	s.logger.Info().
		Str("message_id", env.MessageID).
		Str("channel", string(s.channel)).
		Str("to", env.To).
		Str("subject", env.Subject).
		Int("body_len", len(env.Body)).
		Str("external_id", id).
		Msg("message logged instead of sent")
	return id, nil
}
