// Package worker consumes dispatch items and drives job executions
// through their lifecycle: claim, run with timeout, record the outcome,
// and hand retries or reschedules back to the queue and scheduler.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/metrics"
	"github.com/nextlevelbuilder/chronoq/internal/notify"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Rescheduler advances a recurring job after a successful run. The
// scheduler satisfies it; the narrow interface keeps this package from
// importing the scheduler.
type Rescheduler interface {
	Reschedule(ctx context.Context, job *store.Job) error
}

// Run is everything job logic receives for one execution.
type Run struct {
	Job       *store.Job
	Execution *store.Execution
	Clock     clock.Clock
	Logger    *ExecLogger
}

// JobLogic performs the actual work of a job and returns its output.
// It must respect ctx, which carries the job's execution deadline.
type JobLogic func(ctx context.Context, run Run) (json.RawMessage, error)

// ExecLogger appends lines to one execution's log history. Append
// failures are logged and swallowed; logging never fails a run.
type ExecLogger struct {
	store  store.JobStore
	execID uuid.UUID
}

func (l *ExecLogger) log(ctx context.Context, level store.LogLevel, msg string, meta json.RawMessage) {
	if err := l.store.AppendLog(ctx, l.execID, level, msg, meta); err != nil {
		slog.Warn("append execution log failed", "execution", l.execID, "error", err)
	}
}

func (l *ExecLogger) Debug(ctx context.Context, msg string, meta json.RawMessage) {
	l.log(ctx, store.LevelDebug, msg, meta)
}

func (l *ExecLogger) Info(ctx context.Context, msg string, meta json.RawMessage) {
	l.log(ctx, store.LevelInfo, msg, meta)
}

func (l *ExecLogger) Warning(ctx context.Context, msg string, meta json.RawMessage) {
	l.log(ctx, store.LevelWarning, msg, meta)
}

func (l *ExecLogger) Error(ctx context.Context, msg string, meta json.RawMessage) {
	l.log(ctx, store.LevelError, msg, meta)
}

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of executor goroutines.
	Concurrency int
	// RateLimit caps execution starts at RateLimit per RateWindow across
	// the whole pool.
	RateLimit  int
	RateWindow time.Duration
	// PollInterval is the idle sleep between empty dequeues.
	PollInterval time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight executions
	// before cancelling them.
	DrainTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Pool is a fixed set of executor goroutines sharing one rate limiter.
type Pool struct {
	cfg     Config
	store   store.JobStore
	queue   queue.DispatchQueue
	resched Rescheduler
	sink    notify.Sink
	logic   JobLogic
	clk     clock.Clock
	metrics *metrics.Metrics
	limiter *rate.Limiter
	tracer  trace.Tracer

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	execStop context.CancelFunc
	wg       sync.WaitGroup
}

// NewPool wires a worker pool. sink and metrics may be nil.
func NewPool(cfg Config, st store.JobStore, q queue.DispatchQueue, resched Rescheduler, sink notify.Sink, logic JobLogic, clk clock.Clock, m *metrics.Metrics) *Pool {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if sink == nil {
		sink = notify.NewMemorySink()
	}
	per := rate.Every(cfg.RateWindow / time.Duration(cfg.RateLimit))
	return &Pool{
		cfg:     cfg,
		store:   st,
		queue:   q,
		resched: resched,
		sink:    sink,
		logic:   logic,
		clk:     clk,
		metrics: m,
		limiter: rate.NewLimiter(per, cfg.RateLimit),
		tracer:  otel.Tracer("chronoq/worker"),
	}
}

// SetRate retunes the shared dequeue limiter at runtime.
func (p *Pool) SetRate(limit int, window time.Duration) {
	if limit < 1 || window <= 0 {
		return
	}
	p.limiter.SetLimit(rate.Every(window / time.Duration(limit)))
	p.limiter.SetBurst(limit)
	slog.Info("worker rate limit updated", "rate_limit", limit, "rate_window", window)
}

// Start launches the executor goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	p.running = true

	// Two contexts: intake stops at shutdown, executions get a grace
	// period before execCtx is cancelled too.
	intakeCtx, intakeCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(ctx)
	p.cancel = intakeCancel
	p.execStop = execCancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(intakeCtx, execCtx, i)
	}
	slog.Info("worker pool started",
		"concurrency", p.cfg.Concurrency,
		"rate_limit", p.cfg.RateLimit, "rate_window", p.cfg.RateWindow)
	return nil
}

// Stop shuts the pool down: no new items are picked up, in-flight
// executions get DrainTimeout to finish, then their contexts are
// cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	execStop := p.execStop
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		slog.Warn("worker pool drain timed out, cancelling executions")
		execStop()
		<-done
	}
	execStop()
	slog.Info("worker pool stopped")
}

// run is one executor goroutine: rate-gate, dequeue, execute, repeat.
func (p *Pool) run(intakeCtx, execCtx context.Context, id int) {
	defer p.wg.Done()
	log := slog.With("worker", id)
	for {
		if err := p.limiter.Wait(intakeCtx); err != nil {
			return
		}
		item, err := p.queue.Dequeue(intakeCtx)
		if err != nil {
			if intakeCtx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
		}
		if item == nil {
			select {
			case <-intakeCtx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.handle(execCtx, log, item)
	}
}
