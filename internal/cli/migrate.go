// Package cli provides database migration commands.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := db.Open(db.DefaultConfig(GetConfig().Database.Path))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		step := startProgress(cmd.ErrOrStderr(), "Applying migrations")
		applied, err := database.MigrateUp(ctx)
		if err != nil {
			step.Fail(err)
			return err
		}
		step.Done()

		version, err := database.SchemaVersion(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{
				"path":    database.Path(),
				"applied": applied,
				"version": version,
			})
		}
		fmt.Fprintf(out, "Applied %d migration(s); schema version %d (%s)\n", applied, version, database.Path())
		return nil
	},
}
