package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fintide/ledgerpilot/internal/config"
)

const (
	appName = "ledgerpilot"
	version = "v0.7.2"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "AI-assisted bookkeeping decision engine",
		Version: version,
		Long: `LedgerPilot turns bank transactions into balanced double-entry journal
entries through a tiered pipeline: deterministic rules, embedding memory,
a calibrated classifier and budgeted LLM adjudication, gated before any
auto-post.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().String("log-level", "", "Override configured log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL DSN (overrides config; enables postgres storage)")

	loadApp := func(cmd *cobra.Command) (*app, error) {
		cfg := config.Default()
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return nil, err
			}
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
			cfg.Postgres.DSN = dsn
			cfg.Postgres.Enabled = true
		}
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		return newApp(cfg, log.Logger)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
			},
		},
		newIngestCmd(loadApp),
		newDecideCmd(loadApp),
		newExportCmd(loadApp),
		newReconcileCmd(loadApp),
		newRetrainCmd(loadApp),
		newDriftCmd(loadApp),
		newRulesCmd(loadApp),
		newTenantCmd(loadApp),
		newOpsCmd(loadApp),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
