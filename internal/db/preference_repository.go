package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/visionarychurch/followup/internal/models"
)

// ErrPreferencesNotFound is returned when no preferences exist for a contact.
var ErrPreferencesNotFound = errors.New("preferences not found")

// PreferenceRepository persists communication preferences keyed by contact.
type PreferenceRepository struct {
	db *DB
}

// NewPreferenceRepository creates a new PreferenceRepository.
func NewPreferenceRepository(db *DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

const preferenceColumns = `id, tenant_id, email, phone, global_unsubscribe, unsubscribed_from_json, quiet_hours_json, updated_at`

// FindByContact returns every preference row matching the email or phone.
// Contacts known by both may have up to two rows.
func (r *PreferenceRepository) FindByContact(ctx context.Context, tenantID, email, phone string) ([]*models.CommunicationPreferences, error) {
	email = normalizeEmail(email)
	phone = strings.TrimSpace(phone)
	if email == "" && phone == "" {
		return nil, nil
	}
	return r.find(ctx, r.db, tenantID, email, phone)
}

func (r *PreferenceRepository) find(ctx context.Context, q querier, tenantID, email, phone string) ([]*models.CommunicationPreferences, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM communication_preferences
		WHERE tenant_id = ? AND ((? <> '' AND email = ?) OR (? <> '' AND phone = ?))
		ORDER BY updated_at
	`, tenantID, email, email, phone, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*models.CommunicationPreferences
	for rows.Next() {
		p, err := r.scanPreferences(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preferences: %w", err)
	}
	return prefs, nil
}

// Get retrieves preferences for exactly one contact key. Email is used when set.
func (r *PreferenceRepository) Get(ctx context.Context, tenantID, email, phone string) (*models.CommunicationPreferences, error) {
	email = normalizeEmail(email)
	phone = strings.TrimSpace(phone)
	var row *sql.Row
	switch {
	case email != "":
		row = r.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM communication_preferences WHERE tenant_id = ? AND email = ?`, tenantID, email)
	case phone != "":
		row = r.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM communication_preferences WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	default:
		return nil, ErrPreferencesNotFound
	}
	return r.scanPreferences(row)
}

// Upsert creates or replaces the preferences row for the contact.
func (r *PreferenceRepository) Upsert(ctx context.Context, p *models.CommunicationPreferences) error {
	p.Email = normalizeEmail(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	scopes, err := marshalJSON(p.UnsubscribedFrom)
	if err != nil {
		return err
	}
	var quiet sql.NullString
	if p.QuietHours != nil {
		if quiet, err = marshalJSON(p.QuietHours); err != nil {
			return err
		}
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		existing, err := r.find(ctx, tx, p.TenantID, p.Email, p.Phone)
		if err != nil {
			return err
		}
		if len(existing) > 0 && p.ID == "" {
			p.ID = existing[0].ID
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO communication_preferences (`+preferenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, p.TenantID, nullString(p.Email), nullString(p.Phone), boolToInt(p.GlobalUnsubscribe),
				scopes, quiet, formatTime(p.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert preferences: %w", err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE communication_preferences SET
				email = COALESCE(?, email), phone = COALESCE(?, phone), global_unsubscribe = ?,
				unsubscribed_from_json = ?, quiet_hours_json = ?, updated_at = ?
			WHERE id = ?
		`, nullString(p.Email), nullString(p.Phone), boolToInt(p.GlobalUnsubscribe), scopes, quiet,
			formatTime(p.UpdatedAt), p.ID)
		if err != nil {
			return fmt.Errorf("failed to update preferences: %w", err)
		}
		return nil
	})
}

func (r *PreferenceRepository) scanPreferences(row scanner) (*models.CommunicationPreferences, error) {
	var p models.CommunicationPreferences
	var email, phone, scopesJSON, quietJSON sql.NullString
	var global int
	var updatedAt string

	if err := row.Scan(&p.ID, &p.TenantID, &email, &phone, &global, &scopesJSON, &quietJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreferencesNotFound
		}
		return nil, fmt.Errorf("failed to scan preferences: %w", err)
	}
	p.Email = email.String
	p.Phone = phone.String
	p.GlobalUnsubscribe = global != 0
	p.UpdatedAt = parseTime(updatedAt)
	if scopesJSON.Valid {
		if err := json.Unmarshal([]byte(scopesJSON.String), &p.UnsubscribedFrom); err != nil {
			r.db.logger.Warn().Err(err).Str("preferences_id", p.ID).Msg("failed to parse unsubscribe scopes")
		}
	}
	if quietJSON.Valid {
		var q models.QuietHours
		if err := json.Unmarshal([]byte(quietJSON.String), &q); err != nil {
			r.db.logger.Warn().Err(err).Str("preferences_id", p.ID).Msg("failed to parse quiet hours")
		} else {
			p.QuietHours = &q
		}
	}
	return &p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
