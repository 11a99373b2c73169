package models

import (
	"fmt"
	"strings"
	"time"
)

// QuietHours is a daily local-time window during which nothing is sent.
// Start may be after End, in which case the window spans midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// Enabled reports whether both bounds are set.
func (q *QuietHours) Enabled() bool {
	return q != nil && q.Start != "" && q.End != ""
}

// Bounds parses Start and End into minutes after midnight.
func (q *QuietHours) Bounds() (start, end int, err error) {
	start, err = parseClock(q.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err = parseClock(q.End)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours end: %w", err)
	}
	return start, end, nil
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CommunicationPreferences are a contact's opt-outs and quiet hours.
type CommunicationPreferences struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`

	GlobalUnsubscribe bool `json:"global_unsubscribe"`

	// UnsubscribedFrom holds sequence ids and/or sequence types.
	UnsubscribedFrom []string `json:"unsubscribed_from,omitempty"`

	QuietHours *QuietHours `json:"quiet_hours,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// UnsubscribedFromScope reports whether scope is in the unsubscribed set.
func (p *CommunicationPreferences) UnsubscribedFromScope(scope string) bool {
	if p == nil || scope == "" {
		return false
	}
	for _, s := range p.UnsubscribedFrom {
		if s == scope {
			return true
		}
	}
	return false
}

// AddScope adds scope to the unsubscribed set if absent.
func (p *CommunicationPreferences) AddScope(scope string) {
	if scope == "" || p.UnsubscribedFromScope(scope) {
		return
	}
	p.UnsubscribedFrom = append(p.UnsubscribedFrom, scope)
}

// Validate checks the preferences.
func (p *CommunicationPreferences) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(p.Email) == "" && strings.TrimSpace(p.Phone) == "" {
		validation.AddMessage("contact", "email or phone is required")
	}
	if p.QuietHours != nil && (p.QuietHours.Start != "" || p.QuietHours.End != "") {
		if _, _, err := p.QuietHours.Bounds(); err != nil {
			validation.AddMessage("quiet_hours", err.Error())
		}
		if p.QuietHours.Timezone != "" {
			if _, err := time.LoadLocation(p.QuietHours.Timezone); err != nil {
				validation.Addf("quiet_hours.timezone", "unknown timezone %q", p.QuietHours.Timezone)
			}
		}
	}
	return validation.Err()
}

// UnsubscribeRequest is an opt-out submitted through the public endpoint.
type UnsubscribeRequest struct {
	TenantID   string `json:"tenant_id"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	Global     bool   `json:"global,omitempty"`
}
