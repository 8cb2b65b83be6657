package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueKey = "chronoq:notifications"
	// queueCap bounds the pending list so a dead consumer cannot grow it
	// without limit.
	queueCap = 10000

	dedupeSize = 1024
)

// RedisSink pushes notices onto a Redis list for the external
// notification consumer. An LRU keyed by (job, attempts) suppresses the
// duplicate notices that at-least-once dispatch can produce.
type RedisSink struct {
	rdb    redis.UniversalClient
	key    string
	dedupe *lru.Cache[string, struct{}]
}

// NewRedisSink creates a sink writing to key (default
// "chronoq:notifications" when empty).
func NewRedisSink(rdb redis.UniversalClient, key string) (*RedisSink, error) {
	if key == "" {
		key = defaultQueueKey
	}
	cache, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("init dedupe cache: %w", err)
	}
	return &RedisSink{rdb: rdb, key: key, dedupe: cache}, nil
}

func (s *RedisSink) Emit(ctx context.Context, notice FailureNotice) error {
	key := fmt.Sprintf("%s:%d", notice.JobID, notice.Attempts)
	if found, _ := s.dedupe.ContainsOrAdd(key, struct{}{}); found {
		slog.Debug("duplicate failure notice suppressed", "job", notice.JobID)
		return nil
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key, string(body))
	pipe.LTrim(ctx, s.key, 0, queueCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push notice: %w", err)
	}
	slog.Info("failure notification emitted",
		"job", notice.JobID, "owner", notice.Owner, "attempts", notice.Attempts)
	return nil
}

// Consume pops one pending notice, blocking up to timeout. Returns nil
// when none arrived. Used by the external transport's consumer loop.
func (s *RedisSink) Consume(ctx context.Context, timeout time.Duration) (*FailureNotice, error) {
	res, err := s.rdb.BRPop(ctx, timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop notice: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	var notice FailureNotice
	if err := json.Unmarshal([]byte(res[1]), &notice); err != nil {
		return nil, fmt.Errorf("decode notice: %w", err)
	}
	return &notice, nil
}
