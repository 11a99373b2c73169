// Package cli implements the followup command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/config"
	"github.com/visionarychurch/followup/internal/daemon"
	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/logging"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	jsonOutput  bool
	jsonlOutput bool
	noColor     bool
	noProgress  bool
	tenantFlag  string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "followup",
	Short: "Church follow-up sequence engine",
	Long: `followup enrolls visitors, members and prayer requests into timed
communication sequences and delivers each step by email, SMS, staff task
or webhook.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format override (json, console)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.StringVar(&tenantFlag, "tenant", "", "tenant (church) id, defaults to $FOLLOWUP_TENANT")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration, or defaults before loading.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.Default()
	}
	return appConfig
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	database, err := db.Open(db.DefaultConfig(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// openEngine wires the full engine. One-shot commands skip the brokers.
func openEngine(ctx context.Context, withBrokers bool) (*daemon.Engine, error) {
	return daemon.Build(ctx, GetConfig(), daemon.BuildOptions{SkipBrokers: !withBrokers})
}

func requireTenant() (string, error) {
	tenant := strings.TrimSpace(tenantFlag)
	if tenant == "" {
		tenant = strings.TrimSpace(os.Getenv("FOLLOWUP_TENANT"))
	}
	if tenant == "" {
		return "", errors.New("--tenant is required (or set FOLLOWUP_TENANT)")
	}
	return tenant, nil
}
