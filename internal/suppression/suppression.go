// Package suppression decides whether, and when, a contact may be sent to.
// It is the single place unsubscribes, quiet hours and send windows are
// enforced; enrollment and dispatch both go through Check.
package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// Suppression and deferral reasons.
const (
	ReasonGlobalUnsubscribe   = "global_unsubscribe"
	ReasonSequenceUnsubscribe = "sequence_unsubscribe"
	ReasonTypeUnsubscribe     = "sequence_type_unsubscribe"
	ReasonQuietHours          = "quiet_hours"
	ReasonSendWindow          = "send_window"
)

// maxDeferralPasses bounds how often quiet hours and the send window may
// push a send time past each other.
const maxDeferralPasses = 4

// PreferenceSource looks up stored preferences for a contact.
type PreferenceSource interface {
	FindByContact(ctx context.Context, tenantID, email, phone string) ([]*models.CommunicationPreferences, error)
}

// Decision is the outcome of a suppression check.
type Decision struct {
	// Suppressed means the send must never happen.
	Suppressed bool `json:"suppressed"`

	// Reason names the rule that suppressed or deferred the send.
	Reason string `json:"reason,omitempty"`

	// DeferUntil is set when the send is allowed but not before this time.
	DeferUntil *time.Time `json:"defer_until,omitempty"`
}

// Deferred reports whether the send was pushed later.
func (d Decision) Deferred() bool {
	return d.DeferUntil != nil
}

// IsSuppressed reports whether prefs forbid any send from seq.
func IsSuppressed(prefs *models.CommunicationPreferences, seq *models.Sequence) bool {
	return suppressionReason(prefs, seq) != ""
}

func suppressionReason(prefs *models.CommunicationPreferences, seq *models.Sequence) string {
	if prefs == nil {
		return ""
	}
	if prefs.GlobalUnsubscribe {
		return ReasonGlobalUnsubscribe
	}
	if seq == nil {
		return ""
	}
	if prefs.UnsubscribedFromScope(seq.ID) {
		return ReasonSequenceUnsubscribe
	}
	if prefs.UnsubscribedFromScope(string(seq.SequenceType)) {
		return ReasonTypeUnsubscribe
	}
	return ""
}

// Checker evaluates suppression against stored preferences.
type Checker struct {
	prefs  PreferenceSource
	logger zerolog.Logger
}

// NewChecker creates a checker.
func NewChecker(prefs PreferenceSource) *Checker {
	return &Checker{
		prefs:  prefs,
		logger: logging.Component("suppression"),
	}
}

// Check decides whether a send from seq to contact may happen at at.
// A suppressed decision wins over any deferral.
func (c *Checker) Check(ctx context.Context, tenantID string, contact models.Contact, seq *models.Sequence, at time.Time) (Decision, error) {
	found, err := c.prefs.FindByContact(ctx, tenantID, contact.Email, contact.Phone)
	if err != nil {
		return Decision{}, fmt.Errorf("load preferences: %w", err)
	}

	for _, prefs := range found {
		if reason := suppressionReason(prefs, seq); reason != "" {
			return Decision{Suppressed: true, Reason: reason}, nil
		}
	}

	var quiet []*models.QuietHours
	for _, prefs := range found {
		if prefs.QuietHours.Enabled() {
			quiet = append(quiet, prefs.QuietHours)
		}
	}
	var window *models.SendWindow
	if seq != nil {
		window = seq.SendWindow
	}

	next, reason := NextAllowed(at, contact.Location(), quiet, window)
	if reason == "" {
		return Decision{}, nil
	}
	c.logger.Debug().
		Str("tenant_id", tenantID).
		Str("reason", reason).
		Time("requested", at).
		Time("defer_until", next).
		Msg("send deferred")
	return Decision{Reason: reason, DeferUntil: &next}, nil
}

// NextAllowed returns the earliest time at or after at that falls outside
// every quiet-hours window and inside the send window. reason is empty
// when at itself is allowed, otherwise it names the first rule that moved it.
func NextAllowed(at time.Time, loc *time.Location, quiet []*models.QuietHours, window *models.SendWindow) (time.Time, string) {
	if loc == nil {
		loc = time.UTC
	}
	reason := ""
	t := at
	for pass := 0; pass < maxDeferralPasses; pass++ {
		moved := false
		for _, q := range quiet {
			if end, ok := quietHoursEnd(q, t, loc); ok {
				t = end
				moved = true
				if reason == "" {
					reason = ReasonQuietHours
				}
			}
		}
		if start, ok := sendWindowStart(window, t, loc); ok {
			t = start
			moved = true
			if reason == "" {
				reason = ReasonSendWindow
			}
		}
		if !moved {
			break
		}
	}
	return t, reason
}

// quietHoursEnd returns the end of the quiet-hours window containing t.
// The window's own timezone wins over the contact's.
func quietHoursEnd(q *models.QuietHours, t time.Time, loc *time.Location) (time.Time, bool) {
	if !q.Enabled() {
		return time.Time{}, false
	}
	start, end, err := q.Bounds()
	if err != nil || start == end {
		return time.Time{}, false
	}
	if q.Timezone != "" {
		if ql, err := time.LoadLocation(q.Timezone); err == nil {
			loc = ql
		}
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if start < end {
		if minute >= start && minute < end {
			return atMinute(day, end), true
		}
		return time.Time{}, false
	}

	// Window spans midnight.
	switch {
	case minute >= start:
		return atMinute(day.AddDate(0, 0, 1), end), true
	case minute < end:
		return atMinute(day, end), true
	default:
		return time.Time{}, false
	}
}

// sendWindowStart returns the next window opening when t is outside the
// [StartHour, EndHour) window.
func sendWindowStart(w *models.SendWindow, t time.Time, loc *time.Location) (time.Time, bool) {
	if w == nil || w.StartHour == w.EndHour {
		return time.Time{}, false
	}
	local := t.In(loc)
	hour := local.Hour()
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if w.StartHour < w.EndHour {
		switch {
		case hour < w.StartHour:
			return atMinute(day, w.StartHour*60), true
		case hour >= w.EndHour:
			return atMinute(day.AddDate(0, 0, 1), w.StartHour*60), true
		default:
			return time.Time{}, false
		}
	}

	// Window spans midnight, closed during [EndHour, StartHour).
	if hour >= w.EndHour && hour < w.StartHour {
		return atMinute(day, w.StartHour*60), true
	}
	return time.Time{}, false
}

func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location()).UTC()
}
