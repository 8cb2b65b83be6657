package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
)

// MemoryQueue implements DispatchQueue in process memory with the same
// semantics as the Redis queue: one live dispatch per job id, delayed
// items released by fire time against the injected clock, priority
// ordering, backoff on retry, dequeue leases, capped finished records.
// Used by tests and standalone deployments.
type MemoryQueue struct {
	clk         clock.Clock
	backoffBase time.Duration
	visibility  time.Duration

	mu        sync.Mutex
	byJob     map[uuid.UUID]*Item // live dispatch per job (delayed|waiting|active)
	delayed   map[string]*Item
	waiting   []*Item // sorted by (priority, fire time) on dequeue
	active    map[string]*Item
	leases    map[string]time.Time // active item id -> lease deadline
	completed []FinishedRecord
	dead      []FinishedRecord
}

// NewMemory creates an empty in-memory queue.
func NewMemory(clk clock.Clock, backoffBase time.Duration) *MemoryQueue {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	return &MemoryQueue{
		clk:         clk,
		backoffBase: backoffBase,
		visibility:  DefaultVisibilityTimeout,
		byJob:       make(map[uuid.UUID]*Item),
		delayed:     make(map[string]*Item),
		active:      make(map[string]*Item),
		leases:      make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, env Envelope, delay time.Duration, priority int) error {
	if priority != PriorityManual {
		priority = PriorityScheduled
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, live := q.byJob[env.JobID]; live {
		return ErrAlreadyEnqueued
	}
	now := q.clk.Now()
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = now
	}
	item := &Item{
		ID:       newItemID(),
		Envelope: env,
		Priority: priority,
		FireAt:   now,
	}
	q.byJob[env.JobID] = item
	if delay > 0 {
		item.FireAt = now.Add(delay)
		q.delayed[item.ID] = item
	} else {
		q.waiting = append(q.waiting, item)
	}
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, live := q.byJob[jobID]
	if !live {
		return nil
	}
	if _, isActive := q.active[item.ID]; isActive {
		return nil // in-flight work continues
	}
	delete(q.delayed, item.ID)
	for i, w := range q.waiting {
		if w.ID == item.ID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	delete(q.byJob, jobID)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()
	q.reclaimLocked()
	if len(q.waiting) == 0 {
		return nil, nil
	}
	sort.SliceStable(q.waiting, func(i, k int) bool {
		if q.waiting[i].Priority != q.waiting[k].Priority {
			return q.waiting[i].Priority < q.waiting[k].Priority
		}
		return q.waiting[i].FireAt.Before(q.waiting[k].FireAt)
	})
	item := q.waiting[0]
	q.waiting = q.waiting[1:]
	item.Attempt++
	q.active[item.ID] = item
	q.leases[item.ID] = q.clk.Now().Add(q.visibility)

	cp := *item
	return &cp, nil
}

// promoteLocked releases delayed items whose fire time has passed.
func (q *MemoryQueue) promoteLocked() {
	now := q.clk.Now()
	for id, item := range q.delayed {
		if !item.FireAt.After(now) {
			delete(q.delayed, id)
			q.waiting = append(q.waiting, item)
		}
	}
}

// reclaimLocked returns active items with expired leases to the waiting
// list. The holder crashed without acking; redelivery bumps Attempt on
// the next dequeue.
func (q *MemoryQueue) reclaimLocked() {
	now := q.clk.Now()
	for id, deadline := range q.leases {
		if deadline.After(now) {
			continue
		}
		item := q.active[id]
		delete(q.leases, id)
		delete(q.active, id)
		if item != nil {
			q.waiting = append(q.waiting, item)
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, item.ID)
	delete(q.leases, item.ID)
	delete(q.byJob, item.Envelope.JobID)
	q.completed = capRecords(append(q.completed, FinishedRecord{
		ItemID:     item.ID,
		JobID:      item.Envelope.JobID,
		Attempts:   item.Attempt,
		FinishedAt: q.clk.Now(),
	}), CompletedKeep)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, item *Item, cause error, final bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, item.ID)
	delete(q.leases, item.ID)

	if !final && item.Attempt < item.MaxAttempts() {
		live, ok := q.byJob[item.Envelope.JobID]
		if !ok || live.ID != item.ID {
			// Dispatch was superseded while running; drop silently.
			return false, nil
		}
		live.Attempt = item.Attempt
		live.FireAt = q.clk.Now().Add(RetryDelay(q.backoffBase, item.Attempt))
		q.delayed[live.ID] = live
		return true, nil
	}

	delete(q.byJob, item.Envelope.JobID)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.dead = capRecords(append(q.dead, FinishedRecord{
		ItemID:     item.ID,
		JobID:      item.Envelope.JobID,
		Attempts:   item.Attempt,
		Error:      msg,
		FinishedAt: q.clk.Now(),
	}), DeadKeep)
	return false, nil
}

func capRecords(recs []FinishedRecord, keep int) []FinishedRecord {
	if len(recs) > keep {
		recs = recs[len(recs)-keep:]
	}
	return recs
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked()
	return Stats{
		Delayed:   int64(len(q.delayed)),
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Dead:      int64(len(q.dead)),
	}, nil
}

// HasLive reports whether a dispatch for the job is currently live.
// Test helper.
func (q *MemoryQueue) HasLive(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byJob[jobID]
	return ok
}

// DeadRecords returns a copy of the dead-letter records. Test helper.
func (q *MemoryQueue) DeadRecords() []FinishedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FinishedRecord, len(q.dead))
	copy(out, q.dead)
	return out
}

// Wipe drops all queue state, simulating a lost backend. Test helper for
// safety-sync recovery scenarios.
func (q *MemoryQueue) Wipe() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byJob = make(map[uuid.UUID]*Item)
	q.delayed = make(map[string]*Item)
	q.waiting = nil
	q.active = make(map[string]*Item)
	q.leases = make(map[string]time.Time)
}
