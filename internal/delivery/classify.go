package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrPermanent, err: err}
}

// StatusError is a non-2xx provider HTTP response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Classify decides whether err is worth retrying. Explicitly marked errors
// win; otherwise timeouts, network errors, HTTP 429/5xx and SMTP 4xx replies
// are transient, while other HTTP 4xx and SMTP 5xx replies are permanent.
// Unrecognised errors are treated as transient so max_retries bounds them.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSent
	}
	if errors.Is(err, ErrPermanent) {
		return OutcomePermanent
	}
	if errors.Is(err, ErrTransient) {
		return OutcomeTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == 429, status.StatusCode == 408, status.StatusCode >= 500:
			return OutcomeTransient
		case status.StatusCode >= 400:
			return OutcomePermanent
		}
	}

	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 {
			return OutcomePermanent
		}
		return OutcomeTransient
	}

	// Network errors and anything unrecognised.
	return OutcomeTransient
}

// Backoff computes retry delays: Base * 2^(retry-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
