package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "queue:pending"
	delayedKey = "queue:delayed"
	jobKey     = "queue:job:" // + id

	// recordTTL keeps resolved records queryable for a day.
	recordTTL = 24 * time.Hour

	// popTimeout bounds each blocking dequeue so pause requests and
	// shutdown are observed promptly.
	popTimeout = time.Second

	// pausedIdle is how long the worker sleeps between pause checks.
	pausedIdle = 250 * time.Millisecond
)

// Handler processes one dequeued job. A nil return acknowledges the job;
// an error marked NonRetryable fails it terminally; any other error
// schedules a retry with backoff.
type Handler func(ctx context.Context, job Job) error

// Options tunes retry behavior.
type Options struct {
	// MaxAttempts is the total number of tries per job.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// Commands is the slice of Redis the queue uses. *redis.Client
// satisfies it.
type Commands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// Queue is the Redis-backed durable queue. Processing concurrency is
// fixed at one: a single Run loop dequeues.
type Queue struct {
	client  Commands
	handler Handler
	opts    Options
	paused  atomic.Bool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a queue over the given Redis client.
func New(client Commands, handler Handler, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:  client,
		handler: handler,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue persists the job record and queues it for processing. A second
// enqueue of the same id returns ErrDuplicate and changes nothing.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	record := Record{
		Job:        job,
		Status:     StatusPending,
		EnqueuedAt: q.now().UTC(),
		UpdatedAt:  q.now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	ok, err := q.client.SetNX(ctx, jobKey+job.ID, data, recordTTL).Result()
	if err != nil {
		return fmt.Errorf("persist job record: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}

	if err := q.client.LPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("queue job: %w", err)
	}
	q.logger.Info("job enqueued", "job_id", job.ID)
	return nil
}

// Lookup returns the record for a job id.
func (q *Queue) Lookup(ctx context.Context, id string) (Record, error) {
	data, err := q.client.Get(ctx, jobKey+id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrJobNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load job record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return Record{}, fmt.Errorf("decode job record: %w", err)
	}
	return record, nil
}

// Pause stops dequeueing. The job currently in flight, if any, runs to
// completion. A dequeue already blocked when the flag lands hands its
// job back to the pending list instead of processing it, so no job
// starts after Pause returns.
func (q *Queue) Pause() {
	q.paused.Store(true)
	q.logger.Info("queue paused")
}

// Resume re-enables dequeueing.
func (q *Queue) Resume() {
	q.paused.Store(false)
	q.logger.Info("queue resumed")
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// Run processes jobs until ctx is cancelled. It promotes due retries,
// then blocks briefly on the pending list.
func (q *Queue) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if q.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pausedIdle):
			}
			continue
		}

		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("promote delayed jobs", "error", err)
		}

		res, err := q.client.BRPop(ctx, popTimeout, pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("dequeue failed", "error", err)
			continue
		}
		// BRPop returns [key, value].
		id := res[1]

		// The pause flag may have landed while this loop was blocked in
		// BRPop. Processing now would race the resource teardown, so the
		// job goes back instead.
		if q.paused.Load() {
			if err := q.client.LPush(ctx, pendingKey, id).Err(); err != nil {
				q.logger.Error("requeue after pause", "job_id", id, "error", err)
			}
			continue
		}
		q.process(ctx, id)
	}
}

// process runs the handler for one job and resolves the outcome.
func (q *Queue) process(ctx context.Context, id string) {
	record, err := q.Lookup(ctx, id)
	if err != nil {
		q.logger.Error("dequeued job has no record", "job_id", id, "error", err)
		return
	}

	record.Status = StatusProcessing
	record.Attempts++
	q.saveRecord(ctx, &record)

	err = q.handler(ctx, record.Job)
	switch {
	case err == nil:
		record.Status = StatusCompleted
		record.ErrorKind = ""
		record.LastError = ""
		q.logger.Info("job completed", "job_id", id, "attempts", record.Attempts)

	case IsNonRetryable(err):
		record.Status = StatusFailed
		record.ErrorKind = ErrorKind(err)
		record.LastError = err.Error()
		q.logger.Warn("job failed terminally", "job_id", id,
			"kind", record.ErrorKind, "error", err)

	case record.Attempts >= q.opts.MaxAttempts:
		record.Status = StatusFailed
		record.ErrorKind = KindDeliveryFailed
		record.LastError = err.Error()
		q.logger.Warn("job failed, attempts exhausted", "job_id", id,
			"attempts", record.Attempts, "error", err)

	default:
		record.Status = StatusRetrying
		record.LastError = err.Error()
		delay := q.backoff(record.Attempts)
		readyAt := q.now().Add(delay)
		if zerr := q.client.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(readyAt.Unix()),
			Member: id,
		}).Err(); zerr != nil {
			q.logger.Error("schedule retry", "job_id", id, "error", zerr)
		}
		q.logger.Info("job scheduled for retry", "job_id", id,
			"attempt", record.Attempts, "delay", delay, "error", err)
	}
	q.saveRecord(ctx, &record)
}

// promoteDue moves delayed jobs whose backoff has elapsed back onto the
// pending list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.now().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, pendingKey, id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// backoff returns the delay before the given retry attempt: base doubled
// per prior attempt.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func (q *Queue) saveRecord(ctx context.Context, record *Record) {
	record.UpdatedAt = q.now().UTC()
	data, err := json.Marshal(record)
	if err != nil {
		q.logger.Error("marshal job record", "job_id", record.Job.ID, "error", err)
		return
	}
	if err := q.client.Set(ctx, jobKey+record.Job.ID, data, recordTTL).Err(); err != nil {
		q.logger.Error("save job record", "job_id", record.Job.ID, "error", err)
	}
}
