package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

// ErrInvalidUnsubscribe is returned for an unsubscribe without a contact.
var ErrInvalidUnsubscribe = errors.New("unsubscribe requires an email or phone")

// UnsubscribeResult reports what an unsubscribe changed.
type UnsubscribeResult struct {
	Preferences *models.CommunicationPreferences `json:"preferences"`
	Cancelled   int                              `json:"cancelled"`
}

// Unsubscribe records the opt-out and cancels every live enrollment in its
// scope. A request naming no sequence is a global unsubscribe.
func (m *Manager) Unsubscribe(ctx context.Context, req models.UnsubscribeRequest) (*UnsubscribeResult, error) {
	if m.preferences == nil {
		return nil, fmt.Errorf("unsubscribe: no preference store configured")
	}
	email := normalizeEmail(req.Email)
	phone := strings.TrimSpace(req.Phone)
	if email == "" && phone == "" {
		return nil, ErrInvalidUnsubscribe
	}
	if email != "" {
		if err := checkmail.ValidateFormat(email); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUnsubscribe, err)
		}
	}

	prefs, err := m.preferences.Get(ctx, req.TenantID, email, phone)
	if err != nil {
		if !errors.Is(err, db.ErrPreferencesNotFound) {
			return nil, err
		}
		prefs = &models.CommunicationPreferences{TenantID: req.TenantID}
	}
	if prefs.Email == "" {
		prefs.Email = email
	}
	if prefs.Phone == "" {
		prefs.Phone = phone
	}

	global := req.Global || req.SequenceID == ""
	scope := ""
	if global {
		prefs.GlobalUnsubscribe = true
	} else {
		scope = req.SequenceID
		prefs.AddScope(scope)
	}
	if err := m.preferences.Upsert(ctx, prefs); err != nil {
		return nil, err
	}

	cancelled, err := m.CancelForContact(ctx, req.TenantID, email, phone, scope, models.CancelReasonUnsubscribe)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("tenant_id", req.TenantID).
		Bool("global", global).
		Str("scope", scope).
		Int("cancelled", cancelled).
		Msg("contact unsubscribed")
	return &UnsubscribeResult{Preferences: prefs, Cancelled: cancelled}, nil
}

// CancelForContact cancels the contact's live enrollments whose sequence
// id or type equals scope. An empty scope cancels all of them.
func (m *Manager) CancelForContact(ctx context.Context, tenantID, email, phone, scope, reason string) (int, error) {
	live, err := m.enrollments.ListLiveByContact(ctx, tenantID, normalizeEmail(email), strings.TrimSpace(phone))
	if err != nil {
		return 0, err
	}

	types := map[string]models.SequenceType{}
	cancelled := 0
	for _, e := range live {
		if scope != "" && e.SequenceID != scope {
			seqType, ok := types[e.SequenceID]
			if !ok {
				seq, err := m.sequences.Get(ctx, e.SequenceID)
				if err != nil {
					return cancelled, err
				}
				seqType = seq.SequenceType
				types[e.SequenceID] = seqType
			}
			if string(seqType) != scope {
				continue
			}
		}
		if _, err := m.cancel(ctx, e, reason); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}
