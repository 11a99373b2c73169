// Package cli provides one-shot dispatch and rollup commands.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

var (
	aggregateDate     string
	aggregateSequence string
)

func init() {
	rootCmd.AddCommand(dispatchOnceCmd)
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringVar(&aggregateDate, "date", "", "day to aggregate (YYYY-MM-DD, default today UTC)")
	aggregateCmd.Flags().StringVar(&aggregateSequence, "sequence", "", "aggregate a single sequence")
}

var dispatchOnceCmd = &cobra.Command{
	Use:   "dispatch-once",
	Short: "Run a single scheduler tick",
	Long:  "Claim and dispatch every enrollment that is due now, then exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		processed, err := engine.Scheduler.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("dispatch failed: %w", err)
		}
		stats := engine.Scheduler.Stats()

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{
				"processed": processed,
				"stats":     stats,
			})
		}
		fmt.Fprintf(out, "Processed %d enrollment(s)\n", processed)
		return nil
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute daily sequence analytics",
	Long:  "Recompute the per-variant analytics rows for one day. Re-running overwrites the same rows.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		date, err := parseAggregateDate(aggregateDate, time.Now())
		if err != nil {
			return err
		}

		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		out := cmd.OutOrStdout()
		if aggregateSequence != "" {
			rows, err := engine.Aggregator.Aggregate(ctx, aggregateSequence, date)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, rows)
			}
			table := make([][]string, 0, len(rows))
			for _, row := range rows {
				variant := row.VariantID
				if variant == "" {
					variant = "control"
				}
				table = append(table, []string{
					variant,
					fmt.Sprintf("%d", row.EnrollmentsCreated),
					fmt.Sprintf("%d", row.MessagesSent),
					fmt.Sprintf("%d", row.MessagesOpened),
					fmt.Sprintf("%d", row.MessagesClicked),
					fmt.Sprintf("%d", row.Conversions),
				})
			}
			return writeTable(out, []string{"VARIANT", "ENROLLED", "SENT", "OPENED", "CLICKED", "CONVERSIONS"}, table)
		}

		written, err := engine.Aggregator.AggregateAll(ctx, date)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{"date": date, "rows": written})
		}
		fmt.Fprintf(out, "Aggregated %s: %d row(s)\n", date, written)
		return nil
	},
}

func parseAggregateDate(value string, now time.Time) (string, error) {
	if value == "" {
		return db.DateOf(now), nil
	}
	parsed, err := time.Parse(models.AnalyticsDateLayout, value)
	if err != nil {
		return "", fmt.Errorf("invalid --date %q: want YYYY-MM-DD", value)
	}
	return parsed.Format(models.AnalyticsDateLayout), nil
}
