package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	env        string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "etld",
	Short: "A-share daily ETL orchestration engine",
	Long: `etld is the watermark-driven incremental ETL orchestration engine for
the A-share daily data pipeline.

Usage:
  etld pipeline run --pipeline afternoon_core
  etld check --expected-date 20260803
  etld guard reap-zombies --apply
  etld guard run --task-name ods_incremental --idempotency-key ods_incremental_20260803 -- etld pipeline run --pipeline afternoon_core
  etld serve`,
}

// Execute adds all child commands to the root command and runs it. Called
// once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "accepted but not read; configuration comes from .env and the environment")
	rootCmd.PersistentFlags().StringVar(&env, "env", "development", "environment (development|staging|production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
