package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visionarychurch/followup/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Followup-Signature"

// WebhookPayload is the JSON body posted by webhook steps.
type WebhookPayload struct {
	MessageID    string            `json:"message_id"`
	TenantID     string            `json:"tenant_id"`
	EnrollmentID string            `json:"enrollment_id"`
	SequenceID   string            `json:"sequence_id"`
	StepOrder    int               `json:"step_order"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	SentAt       time.Time         `json:"sent_at"`
}

// WebhookSender posts webhook steps to their configured URL.
type WebhookSender struct {
	client *http.Client
	secret []byte
}

// NewWebhookSender creates a webhook sender. A non-empty secret signs bodies.
func NewWebhookSender(timeout time.Duration, secret string) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}, secret: []byte(secret)}
}

// Channel implements Sender.
func (s *WebhookSender) Channel() models.StepType { return models.StepTypeWebhook }

// Send implements Sender. The response's X-Request-ID, when present, is the
// external id.
func (s *WebhookSender) Send(ctx context.Context, env Envelope) (string, error) {
	if strings.TrimSpace(env.WebhookURL) == "" {
		return "", Permanent(fmt.Errorf("webhook step has no url"))
	}

	body, err := json.Marshal(WebhookPayload{
		MessageID:    env.MessageID,
		TenantID:     env.TenantID,
		EnrollmentID: env.EnrollmentID,
		SequenceID:   env.SequenceID,
		StepOrder:    env.StepOrder,
		Subject:      env.Subject,
		Body:         env.Body,
		Data:         env.Data,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("webhook request: %w", err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Provider: "webhook", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp.Header.Get("X-Request-ID"), nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
