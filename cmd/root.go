// Package cmd holds the chronoq CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronoq/internal/config"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chronoq",
		Short: "Durable multi-tenant job scheduler",
		Long: `chronoq schedules one-time and recurring jobs, dispatches them
through a Redis-backed delayed queue, and records execution history in
Postgres. A periodic safety sync re-enqueues anything the queue lost.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default chronoq.yaml, env CHRONOQ_CONFIG)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(syncCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(jobsCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CHRONOQ_CONFIG"); env != "" {
		return env
	}
	return "chronoq.yaml"
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
