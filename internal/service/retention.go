package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
	"github.com/nextlevelbuilder/chronoq/internal/store"
)

// Janitor evicts old execution history on a fixed cadence. Finished
// executions and their logs have independent retention windows; live
// job rows are never touched.
type Janitor struct {
	store    store.JobStore
	clk      clock.Clock
	interval time.Duration
	execKeep time.Duration
	logKeep  time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewJanitor creates a retention sweeper. Zero durations fall back to
// daily sweeps keeping 90 days of executions and 30 days of logs.
func NewJanitor(st store.JobStore, clk clock.Clock, interval, execKeep, logKeep time.Duration) *Janitor {
	if clk == nil {
		clk = clock.System{}
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if execKeep <= 0 {
		execKeep = 90 * 24 * time.Hour
	}
	if logKeep <= 0 {
		logKeep = 30 * 24 * time.Hour
	}
	return &Janitor{store: st, clk: clk, interval: interval, execKeep: execKeep, logKeep: logKeep}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return errors.New("janitor already running")
	}
	j.running = true
	j.stopChan = make(chan struct{})
	j.doneChan = make(chan struct{})
	j.mu.Unlock()

	go j.loop(ctx)
	slog.Info("retention janitor started",
		"interval", j.interval, "exec_keep", j.execKeep, "log_keep", j.logKeep)
	return nil
}

// Stop terminates the loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	done := j.doneChan
	j.mu.Unlock()
	<-done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.doneChan)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.clk.Now()
	execs, logs, err := j.store.PruneHistory(ctx, now.Add(-j.execKeep), now.Add(-j.logKeep))
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if execs > 0 || logs > 0 {
		slog.Info("retention sweep", "executions_pruned", execs, "logs_pruned", logs)
	}
}
