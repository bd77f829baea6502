package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements a reliable at-least-once queue per stage on top
// of Redis lists: Push appends to "queue:{stage}", and Pop moves the
// next item atomically into "queue:{stage}:processing" via
// BLMove/LMOVE, so a worker that crashes mid-job leaves the job
// recoverable on the processing list instead of silently dropping it
// (spec.md §4.3, §5: "a worker crash must not lose a job").
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func readyKey(stage Stage) string      { return fmt.Sprintf("queue:%s", stage) }
func processingKey(stage Stage) string { return fmt.Sprintf("queue:%s:processing", stage) }
func delayedKey(stage Stage) string    { return fmt.Sprintf("queue:%s:delayed", stage) }

// Push enqueues a job for immediate processing.
func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.client.LPush(ctx, readyKey(job.Stage), raw).Err()
}

// PushDelayed schedules a job to become ready at readyAt, used for
// retry backoff (spec.md §4.3).
func (q *RedisQueue) PushDelayed(ctx context.Context, job Job, readyAt time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.client.ZAdd(ctx, delayedKey(job.Stage), redis.Z{
		Score: float64(readyAt.UnixMilli()), Member: raw,
	}).Err()
}

// PromoteDelayed moves every delayed job whose readyAt has passed onto
// the ready list. The scheduler's periodic sweep calls this once per
// stage so retries do not require a dedicated timer goroutine per job.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, stage Stage, now time.Time) (int, error) {
	key := delayedKey(stage)
	members, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, readyKey(stage), m)
		pipe.ZRem(ctx, key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Pop blocks up to timeout for a ready job, moving it onto the
// processing list atomically so Ack/Nack can find it later.
func (q *RedisQueue) Pop(ctx context.Context, stage Stage, timeout time.Duration) (*Job, error) {
	raw, err := q.client.BLMove(ctx, readyKey(stage), processingKey(stage), "right", "left", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Ack removes a completed job from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, processingKey(job.Stage), 1, raw).Err()
}

// Nack removes a failed job from the processing list. The caller is
// responsible for re-enqueueing it (via Push or PushDelayed) or routing
// it to the dead letter store — Nack alone does not retry.
func (q *RedisQueue) Nack(ctx context.Context, job Job) error {
	return q.Ack(ctx, job)
}

// Depth reports the number of ready jobs waiting in a stage. Nothing
// feeds it into pkg/observability's QueueDepth gauge.
func (q *RedisQueue) Depth(ctx context.Context, stage Stage) (int64, error) {
	return q.client.LLen(ctx, readyKey(stage)).Result()
}
