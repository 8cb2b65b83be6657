package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronoq/internal/bootstrap"
	"github.com/nextlevelbuilder/chronoq/internal/store/pg"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one safety-sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			bootstrap.SetupLogging(cfg)
			ctx := context.Background()

			rt, err := bootstrap.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.Sync.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d due job(s): %d missed, %d re-enqueued, %d failed, %d stale execution(s) reclaimed (%s)\n",
				stats.Scanned, stats.MissedFound, stats.AddedToQueue, stats.FailedToEnqueue,
				stats.ExecutionsReaped, stats.Duration)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			bootstrap.SetupLogging(cfg)
			if err := pg.Migrate(cfg.Database.DSN); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
