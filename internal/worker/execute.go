package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chronoq/internal/notify"
	"github.com/nextlevelbuilder/chronoq/internal/queue"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

type logicResult struct {
	output json.RawMessage
	err    error
}

// handle runs one dispatch item end to end.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, item *queue.Item) {
	ctx, span := p.tracer.Start(ctx, "execute_job", trace.WithAttributes(
		attribute.String("job.id", item.Envelope.JobID.String()),
		attribute.String("job.owner", item.Envelope.Owner),
		attribute.Int("dispatch.attempt", item.Attempt),
	))
	defer span.End()

	log = log.With("job", item.Envelope.JobID, "attempt", item.Attempt)

	// The envelope is a stale snapshot; the job row is authoritative.
	job, err := p.store.GetJobByID(ctx, item.Envelope.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("job gone, acking dispatch")
		span.SetAttributes(attribute.String("skip", "job_gone"))
		p.ack(ctx, log, item)
		return
	}
	if err != nil {
		log.Error("job read failed, requeueing", "error", err)
		span.RecordError(err)
		// Store hiccup, not a job failure: push the item back with backoff.
		if _, ferr := p.queue.Fail(ctx, item, err, false); ferr != nil {
			log.Error("requeue failed", "error", ferr)
		}
		return
	}
	// Manual triggers run regardless of pause; scheduled dispatches only
	// run active jobs.
	if job.Status != store.StatusActive && !item.Envelope.Manual {
		log.Info("job not active, acking dispatch", "status", job.Status)
		span.SetAttributes(attribute.String("skip", string(job.Status)))
		p.ack(ctx, log, item)
		return
	}

	retryAttempt := item.Attempt - 1
	startedAt := p.clk.Now()
	exec, err := p.store.BeginExecution(ctx, job.ID, retryAttempt, startedAt)
	if err != nil {
		log.Error("begin execution failed, requeueing", "error", err)
		span.RecordError(err)
		if _, ferr := p.queue.Fail(ctx, item, err, false); ferr != nil {
			log.Error("requeue failed", "error", ferr)
		}
		return
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID.String()))
	logger := &ExecLogger{store: p.store, execID: exec.ID}
	logger.Info(ctx, fmt.Sprintf("execution started (attempt %d)", retryAttempt+1), nil)

	output, runErr, timedOut := p.runLogic(ctx, job, exec, logger)
	finishedAt := p.clk.Now()

	switch {
	case runErr == nil:
		p.succeed(ctx, log, span, item, job, exec, output, startedAt, finishedAt, logger)
	case timedOut:
		msg := fmt.Sprintf("execution timeout after %s", job.Timeout)
		logger.Error(ctx, msg, nil)
		p.fail(ctx, log, span, item, job, exec, store.ExecTimeout, msg, finishedAt)
	default:
		logger.Error(ctx, runErr.Error(), nil)
		p.fail(ctx, log, span, item, job, exec, store.ExecFailed, runErr.Error(), finishedAt)
	}
}

// runLogic invokes the job logic under the job's timeout.
func (p *Pool) runLogic(ctx context.Context, job *store.Job, exec *store.Execution, logger *ExecLogger) (json.RawMessage, error, bool) {
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	resCh := make(chan logicResult, 1)
	go func() {
		out, err := p.logic(runCtx, Run{Job: job, Execution: exec, Clock: p.clk, Logger: logger})
		resCh <- logicResult{output: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && runCtx.Err() != nil {
			return nil, res.err, true
		}
		return res.output, res.err, false
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, runCtx.Err(), true
		}
		return nil, fmt.Errorf("execution cancelled: %w", runCtx.Err()), false
	}
}

func (p *Pool) succeed(ctx context.Context, log *slog.Logger, span trace.Span, item *queue.Item, job *store.Job, exec *store.Execution, output json.RawMessage, startedAt, finishedAt time.Time, logger *ExecLogger) {
	outcome := store.Outcome{Status: store.ExecSuccess, FinishedAt: finishedAt, Output: output}
	if err := p.store.FinalizeExecution(ctx, exec.ID, outcome); err != nil {
		log.Error("finalize execution failed", "execution", exec.ID, "error", err)
	}
	if err := p.store.MarkLastExecuted(ctx, job.ID, startedAt); err != nil {
		log.Error("mark last executed failed", "error", err)
	}
	logger.Info(ctx, "execution completed", nil)

	switch {
	case job.Kind == store.KindRecurring && job.Status == store.StatusActive:
		if err := p.resched.Reschedule(ctx, job); err != nil {
			// next_run is still in the past; the safety sync recovers it.
			log.Error("reschedule failed", "error", err)
		}
	case job.Kind == store.KindOneTime:
		if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Error("mark completed failed", "error", err)
		}
	}
	p.ack(ctx, log, item)
	p.observe(store.ExecSuccess, finishedAt.Sub(startedAt))
	span.SetStatus(codes.Ok, "")
	log.Info("execution succeeded", "execution", exec.ID, "duration", finishedAt.Sub(startedAt))
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, span trace.Span, item *queue.Item, job *store.Job, exec *store.Execution, status store.ExecStatus, errMsg string, finishedAt time.Time) {
	outcome := store.Outcome{Status: status, FinishedAt: finishedAt, Error: errMsg}
	if err := p.store.FinalizeExecution(ctx, exec.ID, outcome); err != nil {
		log.Error("finalize execution failed", "execution", exec.ID, "error", err)
	}

	retryAttempt := item.Attempt - 1
	final := retryAttempt >= job.MaxRetries
	requeued, err := p.queue.Fail(ctx, item, errors.New(errMsg), final)
	if err != nil {
		log.Error("queue fail failed", "error", err)
	}
	p.observe(status, finishedAt.Sub(exec.StartedAt))
	span.SetStatus(codes.Error, errMsg)

	if requeued {
		// Only retries that were actually scheduled count, so retry_count
		// never exceeds max_retries.
		if _, err := p.store.IncrementRetryCount(ctx, job.ID); err != nil {
			log.Error("increment retry count failed", "error", err)
		}
		log.Warn("execution failed, retry scheduled",
			"execution", exec.ID, "status", status, "retry_attempt", retryAttempt)
		return
	}

	// Retries exhausted: the job is failed and someone should hear about it.
	if err := p.store.MarkFailed(ctx, job.ID); err != nil {
		log.Error("mark failed failed", "error", err)
	}
	notice := notify.NewFailureNotice(job.ID, job.Name, job.Owner, errMsg, item.Attempt, finishedAt)
	if err := p.sink.Emit(ctx, notice); err != nil {
		log.Error("emit failure notice failed", "error", err)
	} else if p.metrics != nil {
		p.metrics.NotificationsEmitted.Inc()
	}
	log.Error("job failed permanently",
		"execution", exec.ID, "status", status, "attempts", item.Attempt)
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, item *queue.Item) {
	if err := p.queue.Complete(ctx, item); err != nil {
		log.Error("complete dispatch failed", "error", err)
	}
}

func (p *Pool) observe(status store.ExecStatus, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	p.metrics.ExecutionDuration.Observe(d.Seconds())
}
