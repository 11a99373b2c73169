package db

import (
	"context"
	"fmt"
	"time"

	"github.com/visionarychurch/followup/internal/models"
)

// AnalyticsRepository computes and stores per-day sequence rollups.
type AnalyticsRepository struct {
	db *DB
}

// NewAnalyticsRepository creates a new AnalyticsRepository.
func NewAnalyticsRepository(db *DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

const analyticsColumns = `sequence_id, variant_key, date, enrollments_created, enrollments_completed,
	messages_sent, messages_delivered, messages_opened, messages_clicked, messages_bounced,
	messages_failed, unsubscribes, conversions, delivery_rate, open_rate, click_rate,
	conversion_rate, updated_at`

// Count queries return (variant_key, count) for one sequence and date.
// Dates compare on the first ten characters of the stored UTC timestamps.
var analyticsCountQueries = []struct {
	name  string
	query string
	apply func(*models.SequenceAnalytics, int)
}{
	{
		name: "enrollments_created",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM enrollments
			WHERE sequence_id = ? AND substr(enrolled_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.EnrollmentsCreated = n },
	},
	{
		name: "enrollments_completed",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM enrollments
			WHERE sequence_id = ? AND status = 'completed' AND substr(completed_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.EnrollmentsCompleted = n },
	},
	{
		name: "unsubscribes",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM enrollments
			WHERE sequence_id = ? AND status = 'cancelled' AND cancel_reason = 'unsubscribe'
			  AND substr(cancelled_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.Unsubscribes = n },
	},
	{
		name: "messages_sent",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND substr(sent_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesSent = n },
	},
	{
		name: "messages_delivered",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND substr(delivered_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesDelivered = n },
	},
	{
		name: "messages_opened",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND substr(opened_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesOpened = n },
	},
	{
		name: "messages_clicked",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND substr(clicked_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesClicked = n },
	},
	{
		name: "messages_bounced",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND substr(bounced_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesBounced = n },
	},
	{
		name: "messages_failed",
		query: `SELECT COALESCE(variant_id, ''), COUNT(*) FROM sequence_messages
			WHERE sequence_id = ? AND status = 'failed' AND substr(failed_at, 1, 10) = ? GROUP BY 1`,
		apply: func(a *models.SequenceAnalytics, n int) { a.MessagesFailed = n },
	},
}

// ComputeDay returns raw counts for a sequence and date keyed by variant
// ("" is control). Rates are not computed.
func (r *AnalyticsRepository) ComputeDay(ctx context.Context, sequenceID string, conversionEvent models.TriggerEventType, date string) (map[string]*models.SequenceAnalytics, error) {
	rows := map[string]*models.SequenceAnalytics{}
	get := func(variant string) *models.SequenceAnalytics {
		a, ok := rows[variant]
		if !ok {
			a = &models.SequenceAnalytics{SequenceID: sequenceID, VariantID: variant, Date: date}
			rows[variant] = a
		}
		return a
	}

	for _, cq := range analyticsCountQueries {
		if err := r.scanCounts(ctx, cq.query, []any{sequenceID, date}, func(variant string, n int) {
			cq.apply(get(variant), n)
		}); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", cq.name, err)
		}
	}

	// One conversion per enrollment: a conversion trigger for the same
	// recipient after enrollment, occurring on the date.
	err := r.scanCounts(ctx, `
		SELECT COALESCE(e.variant_id, ''), COUNT(DISTINCT e.id)
		FROM enrollments e
		WHERE e.sequence_id = ?
		  AND EXISTS (
			SELECT 1 FROM trigger_events t
			WHERE t.tenant_id = e.tenant_id
			  AND t.recipient_key = e.recipient_key
			  AND t.trigger_event = ?
			  AND t.occurred_at > e.enrolled_at
			  AND substr(t.occurred_at, 1, 10) = ?
		  )
		GROUP BY 1
	`, []any{sequenceID, string(conversionEvent), date}, func(variant string, n int) {
		get(variant).Conversions = n
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count conversions: %w", err)
	}

	return rows, nil
}

func (r *AnalyticsRepository) scanCounts(ctx context.Context, query string, args []any, fn func(string, int)) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var variant string
		var n int
		if err := rows.Scan(&variant, &n); err != nil {
			return err
		}
		fn(variant, n)
	}
	return rows.Err()
}

// Upsert writes a rollup row, replacing any existing row for the same key.
func (r *AnalyticsRepository) Upsert(ctx context.Context, a *models.SequenceAnalytics) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_analytics (`+analyticsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sequence_id, variant_key, date) DO UPDATE SET
			enrollments_created = excluded.enrollments_created,
			enrollments_completed = excluded.enrollments_completed,
			messages_sent = excluded.messages_sent,
			messages_delivered = excluded.messages_delivered,
			messages_opened = excluded.messages_opened,
			messages_clicked = excluded.messages_clicked,
			messages_bounced = excluded.messages_bounced,
			messages_failed = excluded.messages_failed,
			unsubscribes = excluded.unsubscribes,
			conversions = excluded.conversions,
			delivery_rate = excluded.delivery_rate,
			open_rate = excluded.open_rate,
			click_rate = excluded.click_rate,
			conversion_rate = excluded.conversion_rate,
			updated_at = excluded.updated_at
	`,
		a.SequenceID, a.VariantID, a.Date,
		a.EnrollmentsCreated, a.EnrollmentsCompleted,
		a.MessagesSent, a.MessagesDelivered, a.MessagesOpened, a.MessagesClicked, a.MessagesBounced,
		a.MessagesFailed, a.Unsubscribes, a.Conversions,
		a.DeliveryRate, a.OpenRate, a.ClickRate, a.ConversionRate,
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analytics: %w", err)
	}
	return nil
}

// Query returns stored rollups matching the filters ordered by date then variant.
func (r *AnalyticsRepository) Query(ctx context.Context, f models.AnalyticsFilters) ([]*models.SequenceAnalytics, error) {
	query := `SELECT ` + prefixColumns(analyticsColumns, "a") + ` FROM sequence_analytics a`
	args := []any{}
	if f.TenantID != "" {
		query += ` JOIN sequences s ON s.id = a.sequence_id WHERE s.tenant_id = ?`
		args = append(args, f.TenantID)
	} else {
		query += ` WHERE 1=1`
	}
	if f.SequenceID != "" {
		query += ` AND a.sequence_id = ?`
		args = append(args, f.SequenceID)
	}
	if f.VariantID != nil {
		query += ` AND a.variant_key = ?`
		args = append(args, *f.VariantID)
	}
	if f.From != "" {
		query += ` AND a.date >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND a.date <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY a.date, a.sequence_id, a.variant_key`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}
	defer rows.Close()

	var result []*models.SequenceAnalytics
	for rows.Next() {
		var a models.SequenceAnalytics
		var updatedAt string
		if err := rows.Scan(
			&a.SequenceID, &a.VariantID, &a.Date,
			&a.EnrollmentsCreated, &a.EnrollmentsCompleted,
			&a.MessagesSent, &a.MessagesDelivered, &a.MessagesOpened, &a.MessagesClicked, &a.MessagesBounced,
			&a.MessagesFailed, &a.Unsubscribes, &a.Conversions,
			&a.DeliveryRate, &a.OpenRate, &a.ClickRate, &a.ConversionRate,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan analytics: %w", err)
		}
		a.UpdatedAt = parseTime(updatedAt)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analytics: %w", err)
	}
	return result, nil
}

// DateOf returns the analytics date key for t in UTC.
func DateOf(t time.Time) string {
	return t.UTC().Format(models.AnalyticsDateLayout)
}
