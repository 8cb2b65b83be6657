// Package bootstrap assembles the runtime: configuration in, wired
// components out. Commands pick the pieces they need; nothing here
// starts background work.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/config"
	"github.com/nextlevelbuilder/chronoq/internal/cron"
	"github.com/nextlevelbuilder/chronoq/internal/metrics"
	"github.com/nextlevelbuilder/chronoq/internal/notify"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/scheduler"
	"github.com/nextlevelbuilder/chronoq/internal/service"
	"github.com/nextlevelbuilder/chronoq/internal/store"
	"github.com/nextlevelbuilder/chronoq/internal/store/pg"
	"github.com/nextlevelbuilder/chronoq/internal/worker"
)

// Runtime holds the assembled components shared by the commands.
type Runtime struct {
	Cfg     *config.Config
	Clock   clock.Clock
	DB      *sqlx.DB
	Redis   *redis.Client
	Store   store.JobStore
	Queue   *queue.RedisQueue
	Cron    *cron.Evaluator
	Metrics *metrics.Metrics
	Sched   *scheduler.Scheduler
	Sync    *scheduler.SafetySync
	Sink    *notify.RedisSink
	Svc     *service.Service
	Janitor *service.Janitor
}

// SetupLogging configures the process-wide slog default from config.
func SetupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// New connects to Postgres and Redis and wires the component graph.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	clk := clock.System{}

	db, err := pg.OpenDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	jobStore := pg.New(db, clk.Now)
	q := queue.NewRedis(rdb, clk, queue.RedisConfig{
		Prefix:      cfg.Queue.Prefix,
		BackoffBase: cfg.Queue.BackoffBase,
		Visibility:  cfg.Queue.Visibility,
	})
	ev := cron.New()
	m := metrics.New()
	sched := scheduler.New(jobStore, q, ev, clk, m)
	sync := scheduler.NewSafetySync(sched, cfg.Sync.Interval, cfg.Queue.Visibility)
	sink, err := notify.NewRedisSink(rdb, "")
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}
	svc := service.New(jobStore, q, sched, ev, clk, service.Defaults{
		Timeout:    cfg.Jobs.Timeout,
		MaxRetries: cfg.Jobs.MaxRetries,
	})
	janitor := service.NewJanitor(jobStore, clk,
		cfg.Retain.SweepInterval, cfg.ExecutionRetention(), cfg.LogRetention())

	return &Runtime{
		Cfg:     cfg,
		Clock:   clk,
		DB:      db,
		Redis:   rdb,
		Store:   jobStore,
		Queue:   q,
		Cron:    ev,
		Metrics: m,
		Sched:   sched,
		Sync:    sync,
		Sink:    sink,
		Svc:     svc,
		Janitor: janitor,
	}, nil
}

// NewWorkerPool builds a worker pool over the runtime's components.
func (r *Runtime) NewWorkerPool(logic worker.JobLogic) *worker.Pool {
	wc := r.Cfg.Worker
	return worker.NewPool(worker.Config{
		Concurrency:  wc.Concurrency,
		RateLimit:    wc.RateLimit,
		RateWindow:   wc.RateWindow,
		PollInterval: wc.PollInterval,
		DrainTimeout: wc.DrainTimeout,
	}, r.Store, r.Queue, r.Sched, r.Sink, logic, r.Clock, r.Metrics)
}

// Close releases connections. Stop background services first.
func (r *Runtime) Close() {
	if r.Redis != nil {
		r.Redis.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
}
