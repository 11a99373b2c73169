package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visionarychurch/followup/internal/models"
)

// ErrInvalidPhone is returned for recipients that are not E.164-like numbers.
var ErrInvalidPhone = errors.New("invalid phone number")

// SMSConfig configures the HTTP SMS provider.
type SMSConfig struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

// HTTPSMSSender posts SMS steps to a provider's JSON API.
type HTTPSMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

// NewHTTPSMSSender creates an SMS sender.
func NewHTTPSMSSender(cfg SMSConfig) *HTTPSMSSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSMSSender{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// Channel implements Sender.
func (s *HTTPSMSSender) Channel() models.StepType { return models.StepTypeSMS }

type smsRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference,omitempty"`
}

type smsResponse struct {
	ID     string `json:"id"`
	SID    string `json:"sid"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Send implements Sender.
func (s *HTTPSMSSender) Send(ctx context.Context, env Envelope) (string, error) {
	to := strings.TrimSpace(env.To)
	if !validPhone(to) {
		return "", Permanent(fmt.Errorf("%w: %q", ErrInvalidPhone, env.To))
	}

	payload, err := json.Marshal(smsRequest{From: s.cfg.FromNumber, To: to, Body: env.Body, Reference: env.MessageID})
	if err != nil {
		return "", Permanent(fmt.Errorf("encode sms request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AccountSID != "" {
		req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("sms request: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Provider: "sms", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out smsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", Transient(fmt.Errorf("decode sms response: %w", err))
	}
	if out.ID == "" {
		out.ID = out.SID
	}
	return out.ID, nil
}

// validPhone accepts an optional leading + followed by 7 to 15 digits.
func validPhone(p string) bool {
	p = strings.TrimPrefix(p, "+")
	if len(p) < 7 || len(p) > 15 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
