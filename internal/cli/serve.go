// Package cli provides the long-running daemon command.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/daemon"
)

var (
	serveNoScheduler    bool
	serveHealthInterval time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "serve the API and consumer without dispatching")
	serveCmd.Flags().DurationVar(&serveHealthInterval, "health-interval", 10*time.Second, "how often the gRPC health status is refreshed")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the follow-up daemon",
	Long: `Run the HTTP API, the gRPC health service, the trigger consumer, the
dispatch scheduler and the analytics rollup until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer engine.Close()

		d, err := daemon.New(engine, daemon.Options{
			Version:          rootCmd.Version,
			DisableScheduler: serveNoScheduler,
			HealthInterval:   serveHealthInterval,
		})
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}
