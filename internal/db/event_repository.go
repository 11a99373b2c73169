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

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// EventRepository persists the engine lifecycle log.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventFeedQuery filters a tenant's event feed.
type EventFeedQuery struct {
	TenantID string
	Types    []models.EventType
	Since    *time.Time // inclusive
	Until    *time.Time // exclusive
	After    string     // event id cursor
	Limit    int
}

// EventFeed is one page of a tenant's event feed.
type EventFeed struct {
	Events     []*models.Event `json:"events"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

const eventColumns = `id, timestamp, type, tenant_id, entity_type, entity_id, payload_json, metadata_json`

// Append adds an event to the log.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, formatTime(event.Timestamp), string(event.Type), nullString(event.TenantID),
		string(event.EntityType), event.EntityID, nullString(string(event.Payload)), metadata)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := r.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// Timeline returns an enrollment's history oldest first: its own events
// and the events of every message sent for it.
func (r *EventRepository) Timeline(ctx context.Context, enrollmentID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE (entity_type = ? AND entity_id = ?)
		   OR (entity_type = ? AND json_extract(payload_json, '$.enrollment_id') = ?)
		ORDER BY timestamp, id
		LIMIT ?
	`, string(models.EntityTypeEnrollment), enrollmentID,
		string(models.EntityTypeMessage), enrollmentID, limit)
}

// Feed returns a page of a tenant's events oldest first. Pass the returned
// cursor as After to continue.
func (r *EventRepository) Feed(ctx context.Context, q EventFeedQuery) (*EventFeed, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var where []string
	args := []any{q.TenantID}
	where = append(where, `tenant_id = ?`)
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, `type IN (`+strings.Join(marks, ", ")+`)`)
	}
	if q.Since != nil {
		where = append(where, `timestamp >= ?`)
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		where = append(where, `timestamp < ?`)
		args = append(args, formatTime(*q.Until))
	}
	if q.After != "" {
		where = append(where, `(timestamp, id) > (SELECT timestamp, id FROM events WHERE id = ?)`)
		args = append(args, q.After)
	}
	args = append(args, limit+1)

	events, err := r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE `+
		strings.Join(where, " AND ")+` ORDER BY timestamp, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}

	feed := &EventFeed{Events: events}
	if len(events) > limit {
		feed.Events = events[:limit]
		feed.NextCursor = events[limit-1].ID
	}
	if feed.Events == nil {
		feed.Events = []*models.Event{}
	}
	return feed, nil
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (r *EventRepository) scanEvent(row scanner) (*models.Event, error) {
	var (
		event                      models.Event
		timestamp, typ, entityType string
		tenantID, payload, meta    sql.NullString
	)
	if err := row.Scan(&event.ID, &timestamp, &typ, &tenantID, &entityType, &event.EntityID, &payload, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Timestamp = parseTime(timestamp)
	event.Type = models.EventType(typ)
	event.TenantID = tenantID.String
	event.EntityType = models.EntityType(entityType)
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}
	return &event, nil
}
