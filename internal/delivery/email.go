package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/visionarychurch/followup/internal/models"
)

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// dialer is the part of gomail.Dialer the sender uses.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender sends email steps over SMTP.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer dialer
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// Channel implements Sender.
func (s *SMTPSender) Channel() models.StepType { return models.StepTypeEmail }

// Send implements Sender. The generated Message-ID is the external id.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) (string, error) {
	if err := checkmail.ValidateFormat(env.To); err != nil {
		return "", Permanent(fmt.Errorf("invalid email address %q: %w", env.To, err))
	}
	if err := ctx.Err(); err != nil {
		return "", Transient(err)
	}

	domain := "followup.local"
	if at := strings.LastIndex(s.cfg.FromEmail, "@"); at >= 0 {
		domain = s.cfg.FromEmail[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetHeader("To", env.To)
	m.SetHeader("Subject", env.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Followup-Message-ID", env.MessageID)
	m.SetBody("text/plain", env.Body)
	if strings.Contains(env.Body, "<") && strings.Contains(env.Body, "</") {
		m.AddAlternative("text/html", env.Body)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", classifySMTP(fmt.Errorf("smtp send: %w", err))
	}
	return messageID, nil
}

// smtpReply finds a reply code in errors gomail has already stringified.
var smtpReply = regexp.MustCompile(`(?:^|: )([45])\d\d[ -]`)

// classifySMTP treats 5xx replies as permanent and everything else,
// including 4xx replies and dial failures, as transient.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 500 {
			return Permanent(err)
		}
		return Transient(err)
	}
	if m := smtpReply.FindStringSubmatch(err.Error()); m != nil && m[1] == "5" {
		return Permanent(err)
	}
	return Transient(err)
}
