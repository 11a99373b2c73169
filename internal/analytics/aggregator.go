// Package analytics rolls enrollment and message activity up into per-day
// sequence analytics rows.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// Store computes and persists rollups.
type Store interface {
	ComputeDay(ctx context.Context, sequenceID string, conversionEvent models.TriggerEventType, date string) (map[string]*models.SequenceAnalytics, error)
	Upsert(ctx context.Context, a *models.SequenceAnalytics) error
}

// SequenceStore lists the sequences to aggregate.
type SequenceStore interface {
	Get(ctx context.Context, id string) (*models.Sequence, error)
	List(ctx context.Context, q db.SequenceQuery) ([]*models.Sequence, error)
	ListVariants(ctx context.Context, sequenceID string) ([]*models.SequenceVariant, error)
}

// Aggregator writes one analytics row per (sequence, variant, date).
type Aggregator struct {
	store     Store
	sequences SequenceStore
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(store Store, sequences SequenceStore) *Aggregator {
	return &Aggregator{
		store:     store,
		sequences: sequences,
		logger:    logging.Component("analytics"),
		now:       time.Now,
	}
}

// Aggregate recomputes a sequence's rows for date (YYYY-MM-DD). Control
// and every variant get a row even when nothing happened, so re-running
// converges on the same rows.
func (a *Aggregator) Aggregate(ctx context.Context, sequenceID, date string) ([]*models.SequenceAnalytics, error) {
	if _, err := time.Parse(models.AnalyticsDateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid analytics date %q: %w", date, err)
	}
	seq, err := a.sequences.Get(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	counts, err := a.store.ComputeDay(ctx, seq.ID, seq.ConversionTrigger(), date)
	if err != nil {
		return nil, err
	}
	if _, ok := counts[""]; !ok {
		counts[""] = &models.SequenceAnalytics{SequenceID: seq.ID, Date: date}
	}

	variants, err := a.sequences.ListVariants(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if _, ok := counts[v.ID]; !ok {
			counts[v.ID] = &models.SequenceAnalytics{SequenceID: seq.ID, VariantID: v.ID, Date: date}
		}
	}

	rows := make([]*models.SequenceAnalytics, 0, len(counts))
	for _, row := range counts {
		row.ComputeRates()
		if err := a.store.Upsert(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to store analytics for %s/%s: %w", seq.ID, row.VariantID, err)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].VariantID < rows[j].VariantID })

	a.logger.Debug().
		Str("sequence_id", seq.ID).
		Str("date", date).
		Int("rows", len(rows)).
		Msg("analytics aggregated")
	return rows, nil
}

// AggregateAll aggregates every sequence for date and returns the number of
// rows written. A failing sequence is logged and does not stop the rest.
func (a *Aggregator) AggregateAll(ctx context.Context, date string) (int, error) {
	seqs, err := a.sequences.List(ctx, db.SequenceQuery{})
	if err != nil {
		return 0, err
	}

	written := 0
	var firstErr error
	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		rows, err := a.Aggregate(ctx, seq.ID, date)
		if err != nil {
			a.logger.Error().Err(err).Str("sequence_id", seq.ID).Str("date", date).Msg("aggregation failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written += len(rows)
	}
	return written, firstErr
}

// Run aggregates today and yesterday every interval until ctx is done.
// Yesterday is included so late callbacks land in their own day.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", interval).Msg("analytics loop starting")
	for {
		a.runOnce(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("analytics loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (a *Aggregator) runOnce(ctx context.Context) {
	today := a.now().UTC()
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		date := db.DateOf(day)
		n, err := a.AggregateAll(ctx, date)
		if err != nil {
			a.logger.Warn().Err(err).Str("date", date).Msg("analytics pass incomplete")
			continue
		}
		a.logger.Debug().Str("date", date).Int("rows", n).Msg("analytics pass complete")
	}
}
