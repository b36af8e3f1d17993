package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/backoff"
	"github.com/osvaldoandrade/batchsup/pkg/domain"

	"github.com/go-redis/redis/v8"
)

const blockTimeout = 200 * time.Millisecond

var consumerRetry = backoff.Policy{
	Name:        "exp_full_jitter",
	Base:        50 * time.Millisecond,
	Max:         2 * time.Second,
	MaxAttempts: 5,
}

type redisBroker struct {
	rdb      *redis.Client
	runID    string
	capacity int
	owned    bool
}

// NewRedis returns a broker whose channels are redis lists namespaced by
// runID, so worker processes can reach them. When owned is true Close also
// closes rdb.
func NewRedis(rdb *redis.Client, runID string, workCapacity int, owned bool) Broker {
	if workCapacity <= 0 {
		workCapacity = 1
	}
	return &redisBroker{rdb: rdb, runID: runID, capacity: workCapacity, owned: owned}
}

func (b *redisBroker) keyWork() string    { return fmt.Sprintf("batchsup:%s:work", b.runID) }
func (b *redisBroker) keyResults() string { return fmt.Sprintf("batchsup:%s:results", b.runID) }
func (b *redisBroker) keyLogs() string    { return fmt.Sprintf("batchsup:%s:logs", b.runID) }

func (b *redisBroker) Work() WorkQueue        { return redisWork{b} }
func (b *redisBroker) Results() ResultChannel { return redisResults{b} }
func (b *redisBroker) Logs() LogChannel       { return redisLogs{b} }

func (b *redisBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}

// Purge deletes every key of the run. The supervisor calls it after the log
// listener has drained.
func Purge(ctx context.Context, b Broker) error {
	rb, ok := b.(*redisBroker)
	if !ok {
		return nil
	}
	if err := rb.rdb.Del(ctx, rb.keyWork(), rb.keyResults(), rb.keyLogs()).Err(); err != nil {
		return fmt.Errorf("redis DEL run keys: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, redis.ErrClosed)
}

type redisWork struct{ b *redisBroker }

func (w redisWork) TryPut(ctx context.Context, item domain.WorkItem) (bool, error) {
	n, err := w.b.rdb.LLen(ctx, w.b.keyWork()).Result()
	if err != nil {
		return false, fmt.Errorf("redis LLEN work: %w", err)
	}
	if int(n) >= w.b.capacity {
		return false, nil
	}
	data, _ := json.Marshal(item)
	if err := w.b.rdb.RPush(ctx, w.b.keyWork(), data).Err(); err != nil {
		return false, fmt.Errorf("redis RPUSH work: %w", err)
	}
	return true, nil
}

func (w redisWork) Get(ctx context.Context) (domain.WorkItem, error) {
	var item domain.WorkItem
	raw, err := blockingPop(ctx, w.b.rdb, w.b.keyWork())
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, fmt.Errorf("unmarshal work item: %w", err)
	}
	return item, nil
}

func (w redisWork) Len(ctx context.Context) (int, error) {
	n, err := w.b.rdb.LLen(ctx, w.b.keyWork()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN work: %w", err)
	}
	return int(n), nil
}

func (w redisWork) Cap() int { return w.b.capacity }

type redisResults struct{ b *redisBroker }

func (r redisResults) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return consumerRetry.Retry(ctx, retryable, func() error {
		if err := r.b.rdb.RPush(ctx, r.b.keyResults(), data).Err(); err != nil {
			return fmt.Errorf("redis RPUSH result: %w", err)
		}
		return nil
	})
}

func (r redisResults) Drain(ctx context.Context) ([]domain.Envelope, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		lrange = p.LRange(ctx, r.b.keyResults(), 0, -1)
		p.Del(ctx, r.b.keyResults())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis drain results: %w", err)
	}
	raws := lrange.Val()
	out := make([]domain.Envelope, 0, len(raws))
	for _, raw := range raws {
		// The list is already gone, so a corrupt entry must not cost the
		// valid envelopes drained with it.
		var env domain.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			slog.Warn("dropping undecodable result envelope", "run", r.b.runID, "err", err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

type redisLogs struct{ b *redisBroker }

func (l redisLogs) Emit(ctx context.Context, rec domain.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	if err := l.b.rdb.RPush(ctx, l.b.keyLogs(), data).Err(); err != nil {
		return fmt.Errorf("redis RPUSH log: %w", err)
	}
	return nil
}

func (l redisLogs) Next(ctx context.Context) (domain.LogRecord, error) {
	var rec domain.LogRecord
	raw, err := blockingPop(ctx, l.b.rdb, l.b.keyLogs())
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal log record: %w", err)
	}
	return rec, nil
}

// blockingPop waits on key with short BLPOP windows so ctx is observed
// promptly. Transient redis errors are retried with backoff.
func blockingPop(ctx context.Context, rdb *redis.Client, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var vals []string
		err := consumerRetry.Retry(ctx, func(err error) bool {
			return !errors.Is(err, redis.Nil) && retryable(err)
		}, func() error {
			var err error
			vals, err = rdb.BLPop(ctx, blockTimeout, key).Result()
			return err
		})
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return "", ErrClosed
			}
			return "", fmt.Errorf("redis BLPOP %s: %w", key, err)
		}
		if len(vals) == 2 {
			return vals[1], nil
		}
	}
}
