package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronoq/internal/bootstrap"
	"github.com/nextlevelbuilder/chronoq/internal/config"
	"github.com/nextlevelbuilder/chronoq/internal/store/pg"
	"github.com/nextlevelbuilder/chronoq/internal/tracing"
	"github.com/nextlevelbuilder/chronoq/internal/worker"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduler, safety sync, and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(skipMigrate, true)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations on startup")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the execution workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(true, false)
		},
	}
}

func runServe(skipMigrate, full bool) error {
	cfg := loadConfig()
	bootstrap.SetupLogging(cfg)
	ctx := context.Background()

	if !skipMigrate {
		if err := pg.Migrate(cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)

	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.Queue.Start()
	defer rt.Queue.Stop()

	pool := rt.NewWorkerPool(defaultJobLogic())
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	if full {
		if err := rt.Sync.Start(ctx); err != nil {
			return err
		}
		defer rt.Sync.Stop()
		if err := rt.Janitor.Start(ctx); err != nil {
			return err
		}
		defer rt.Janitor.Stop()

		if watcher, err := config.NewWatcher(resolveConfigPath()); err == nil {
			watcher.OnChange(func(next *config.Config) {
				rt.Sync.SetInterval(next.Sync.Interval)
				pool.SetRate(next.Worker.RateLimit, next.Worker.RateWindow)
			})
			if err := watcher.Start(); err != nil {
				slog.Warn("config watcher unavailable", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	slog.Info("chronoq running", "workers", cfg.Worker.Concurrency, "sync_interval", cfg.Sync.Interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s)
	return nil
}

// defaultJobLogic is the built-in executor: it records the dispatch and
// returns the payload as output. Deployments embedding chronoq as a
// library supply their own worker.JobLogic.
func defaultJobLogic() worker.JobLogic {
	return func(ctx context.Context, run worker.Run) (json.RawMessage, error) {
		run.Logger.Info(ctx, "job dispatched", run.Job.Payload)
		if len(run.Job.Payload) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return run.Job.Payload, nil
	}
}
