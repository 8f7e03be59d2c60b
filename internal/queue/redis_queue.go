package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is one dispatched pipeline run.
type Task struct {
	JobID string
	RunID string
}

// RedisQueue coordinates the ready list, in-flight leases and cancel
// notifications for pipeline runs in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	metaPrefix    string
	cancelChannel string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "formatter:queue:ready",
		inflightKey:   "formatter:queue:inflight",
		metaPrefix:    "formatter:queue:meta:",
		cancelChannel: "formatter:queue:cancel",
		visibilityTTL: visibility,
	}
}

// VisibilityTimeout is the lease length granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue appends a run to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.JobID == "" || t.RunID == "" {
		return errors.New("enqueue: job id and run id are required")
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(t.JobID), "run_id", t.RunID, "enqueued_ms", time.Now().UnixMilli())
	pipe.RPush(ctx, q.readyKey, t.JobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the oldest ready run and leases it for the visibility
// timeout. ok is false when the list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	runID, err := q.client.HGet(ctx, q.metaKey(jobID), "run_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Task{}, false, fmt.Errorf("read task meta: %w", err)
	}
	return Task{JobID: jobID, RunID: runID}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight run.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a run from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReapExpired claims leases that timed out and removes them from the queue.
// Runs are never re-enqueued; the caller fails the returned jobs.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		// ZREM decides which reaper owns the expired lease.
		removed, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return tasks, err
		}
		if removed == 0 {
			continue
		}
		runID, err := q.client.HGet(ctx, q.metaKey(id), "run_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return tasks, err
		}
		q.client.Del(ctx, q.metaKey(id))
		tasks = append(tasks, Task{JobID: id, RunID: runID})
	}
	return tasks, nil
}

// Remove drops a run from the ready list and in-flight set.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased runs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// PublishCancel notifies all workers that the run for jobID should stop.
func (q *RedisQueue) PublishCancel(ctx context.Context, jobID string) error {
	return q.client.Publish(ctx, q.cancelChannel, jobID).Err()
}

// SubscribeCancel calls fn with each job id published on the cancel channel
// until ctx is done.
func (q *RedisQueue) SubscribeCancel(ctx context.Context, fn func(jobID string)) error {
	sub := q.client.Subscribe(ctx, q.cancelChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe cancel channel: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
