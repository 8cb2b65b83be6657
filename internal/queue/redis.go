package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chronoq/internal/clock"
)

// RedisConfig tunes the Redis-backed queue.
type RedisConfig struct {
	// Prefix namespaces all keys (default "chronoq").
	Prefix string
	// BackoffBase is the first retry delay (default 60s).
	BackoffBase time.Duration
	// PromoteInterval is how often due delayed items move to the waiting
	// lists (default 1s).
	PromoteInterval time.Duration
	// Visibility is the lease granted on dequeue; expired leases are
	// requeued by the promoter (default DefaultVisibilityTimeout).
	Visibility time.Duration
}

// RedisQueue implements DispatchQueue on Redis.
//
// Layout: a per-job guard key holds the live dispatch id and enforces
// enqueue idempotency; item bodies are JSON under item:<id>; delayed
// items sit in a zset scored by fire time; a promoter loop moves due ids
// onto per-priority waiting lists; active ids sit in a zset scored by
// their lease deadline, and the promoter requeues the ones whose holder
// never acked. Finished records go to capped completed/dead lists for
// forensics.
type RedisQueue struct {
	rdb     redis.UniversalClient
	clk     clock.Clock
	cfg     RedisConfig
	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewRedis creates a Redis queue. Call Start to run the promoter loop.
func NewRedis(rdb redis.UniversalClient, clk clock.Clock, cfg RedisConfig) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "chronoq"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	return &RedisQueue{rdb: rdb, clk: clk, cfg: cfg}
}

func (q *RedisQueue) guardKey(jobID uuid.UUID) string { return q.cfg.Prefix + ":job:" + jobID.String() }
func (q *RedisQueue) itemKey(id string) string        { return q.cfg.Prefix + ":item:" + id }
func (q *RedisQueue) delayedKey() string              { return q.cfg.Prefix + ":delayed" }
func (q *RedisQueue) waitingKey(prio int) string {
	return q.cfg.Prefix + ":waiting:" + strconv.Itoa(prio)
}
func (q *RedisQueue) activeKey() string    { return q.cfg.Prefix + ":active" }
func (q *RedisQueue) completedKey() string { return q.cfg.Prefix + ":completed" }
func (q *RedisQueue) deadKey() string      { return q.cfg.Prefix + ":dead" }

// enqueueScript claims the job guard and parks the item in one atomic
// step, so a crash can never leave a guard without its dispatch.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
if ARGV[3] == 'now' then
	redis.call('LPUSH', KEYS[3], ARGV[1])
else
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
end
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope, delay time.Duration, priority int) error {
	if priority != PriorityManual {
		priority = PriorityScheduled
	}
	now := q.clk.Now()
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = now
	}
	fireAt := now
	if delay > 0 {
		fireAt = now.Add(delay)
	}
	item := Item{
		ID:       newItemID(),
		Envelope: env,
		Priority: priority,
		Attempt:  0,
		FireAt:   fireAt,
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dispatch item: %w", err)
	}

	score := "now"
	if delay > 0 {
		score = strconv.FormatInt(fireAt.UnixMilli(), 10)
	}
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.guardKey(env.JobID), q.itemKey(item.ID), q.waitingKey(priority), q.delayedKey()},
		item.ID, string(body), score,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrAlreadyEnqueued
	}
	slog.Debug("dispatch enqueued", "job", env.JobID, "delay", delay, "priority", priority)
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID uuid.UUID) error {
	id, err := q.rdb.Get(ctx, q.guardKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
	}

	// Active dispatches are left to finish; only pending ones are pulled.
	_, err = q.rdb.ZScore(ctx, q.activeKey(), id).Result()
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.LRem(ctx, q.waitingKey(PriorityManual), 0, id)
	pipe.LRem(ctx, q.waitingKey(PriorityScheduled), 0, id)
	pipe.Del(ctx, q.itemKey(id), q.guardKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
	}
	return nil
}

// dequeueScript pops one waiting id and marks it active atomically,
// scored by the caller's lease deadline.
var dequeueScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

func (q *RedisQueue) Dequeue(ctx context.Context) (*Item, error) {
	deadline := strconv.FormatInt(q.clk.Now().Add(q.cfg.Visibility).UnixMilli(), 10)
	for _, prio := range []int{PriorityManual, PriorityScheduled} {
		id, err := dequeueScript.Run(ctx, q.rdb,
			[]string{q.waitingKey(prio), q.activeKey()}, deadline).Text()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
		}
		item, err := q.loadItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			// Body lost (flushed backend); drop the orphaned id.
			q.rdb.ZRem(ctx, q.activeKey(), id)
			continue
		}
		item.Attempt++
		if err := q.saveItem(ctx, item); err != nil {
			return nil, err
		}
		return item, nil
	}
	return nil, nil
}

func (q *RedisQueue) Complete(ctx context.Context, item *Item) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), item.ID)
	pipe.Del(ctx, q.itemKey(item.ID), q.guardKey(item.Envelope.JobID))
	q.recordFinished(ctx, pipe, q.completedKey(), item, "", CompletedKeep, CompletedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: complete: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, item *Item, cause error, final bool) (bool, error) {
	retry := !final && item.Attempt < item.MaxAttempts()
	if retry {
		delay := RetryDelay(q.cfg.BackoffBase, item.Attempt)
		item.FireAt = q.clk.Now().Add(delay)
		if err := q.saveItem(ctx, item); err != nil {
			return false, err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), item.ID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(item.FireAt.UnixMilli()),
			Member: item.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("%w: fail: %v", ErrUnavailable, err)
		}
		slog.Info("dispatch retry scheduled",
			"job", item.Envelope.JobID, "attempt", item.Attempt, "delay", delay)
		return true, nil
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), item.ID)
	pipe.Del(ctx, q.itemKey(item.ID), q.guardKey(item.Envelope.JobID))
	q.recordFinished(ctx, pipe, q.deadKey(), item, msg, DeadKeep, DeadRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: fail: %v", ErrUnavailable, err)
	}
	slog.Warn("dispatch dead-lettered",
		"job", item.Envelope.JobID, "attempts", item.Attempt, "error", msg)
	return false, nil
}

// FinishedRecord is the forensic entry kept on the completed/dead lists.
type FinishedRecord struct {
	ItemID     string    `json:"item_id"`
	JobID      uuid.UUID `json:"job_id"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (q *RedisQueue) recordFinished(ctx context.Context, pipe redis.Pipeliner, key string, item *Item, errMsg string, keep int, retention time.Duration) {
	body, err := json.Marshal(FinishedRecord{
		ItemID:     item.ID,
		JobID:      item.Envelope.JobID,
		Attempts:   item.Attempt,
		Error:      errMsg,
		FinishedAt: q.clk.Now(),
	})
	if err != nil {
		return
	}
	pipe.LPush(ctx, key, string(body))
	pipe.LTrim(ctx, key, 0, int64(keep-1))
	// Sliding expiry approximates the time-based retention window.
	pipe.PExpire(ctx, key, retention)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey())
	manual := pipe.LLen(ctx, q.waitingKey(PriorityManual))
	scheduled := pipe.LLen(ctx, q.waitingKey(PriorityScheduled))
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.LLen(ctx, q.completedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}
	return Stats{
		Delayed:   delayed.Val(),
		Waiting:   manual.Val() + scheduled.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

// Start runs the promoter loop that releases due delayed items.
func (q *RedisQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.stop = make(chan struct{})
	q.running = true
	go q.promoteLoop(q.stop)
	slog.Info("dispatch queue started", "promote_interval", q.cfg.PromoteInterval)
}

// Stop halts the promoter loop.
func (q *RedisQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stop)
	q.running = false
	slog.Info("dispatch queue stopped")
}

func (q *RedisQueue) promoteLoop(stop chan struct{}) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := q.PromoteDue(context.Background()); err != nil {
				slog.Error("dispatch promote failed", "error", err)
			}
		}
	}
}

// PromoteDue moves every delayed item whose fire time has passed onto
// its waiting list, then requeues active items whose lease expired. Safe
// to run concurrently: ZREM decides a single winner per item.
func (q *RedisQueue) PromoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.clk.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 256,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
		}
		if removed == 0 {
			continue // another promoter won
		}
		item, err := q.loadItem(ctx, id)
		if err != nil || item == nil {
			continue
		}
		if err := q.rdb.LPush(ctx, q.waitingKey(item.Priority), id).Err(); err != nil {
			return fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
		}
	}
	return q.reclaimExpired(ctx, now)
}

// reclaimExpired returns active items whose lease deadline has passed to
// their waiting lists. The holder crashed without acking; the guard key
// stays, so the dispatch remains the job's one live dispatch and gets
// redelivered with the next attempt number.
func (q *RedisQueue) reclaimExpired(ctx context.Context, now string) error {
	ids, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 256,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: reclaim: %v", ErrUnavailable, err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.activeKey(), id).Result()
		if err != nil {
			return fmt.Errorf("%w: reclaim: %v", ErrUnavailable, err)
		}
		if removed == 0 {
			continue
		}
		item, err := q.loadItem(ctx, id)
		if err != nil || item == nil {
			continue
		}
		if err := q.rdb.LPush(ctx, q.waitingKey(item.Priority), id).Err(); err != nil {
			return fmt.Errorf("%w: reclaim: %v", ErrUnavailable, err)
		}
		slog.Warn("dispatch lease expired, requeued",
			"job", item.Envelope.JobID, "attempt", item.Attempt)
	}
	return nil
}

func (q *RedisQueue) loadItem(ctx context.Context, id string) (*Item, error) {
	body, err := q.rdb.Get(ctx, q.itemKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load item: %v", ErrUnavailable, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("decode dispatch item %s: %w", id, err)
	}
	return &item, nil
}

func (q *RedisQueue) saveItem(ctx context.Context, item *Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dispatch item: %w", err)
	}
	if err := q.rdb.Set(ctx, q.itemKey(item.ID), string(body), 0).Err(); err != nil {
		return fmt.Errorf("%w: save item: %v", ErrUnavailable, err)
	}
	return nil
}

// newItemID generates a dispatch item id.
func newItemID() string {
	return uuid.Must(uuid.NewV7()).String()
}
