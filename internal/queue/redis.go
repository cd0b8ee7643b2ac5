// Package queue schedules forwarding attempts in Redis. Entries reference
// message records in the store by id; the record is the durable source of
// truth and the queue entry carries only schedule and routing state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailhop/mailhop/internal/logging"
	"github.com/mailhop/mailhop/internal/metrics"
)

// Common errors
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueClosed    = errors.New("queue is closed")
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// Routes a job can be pinned to. An empty route means the configured
// delivery mode decides; hybrid fallback pins relay after the first
// transient direct failure.
const (
	RouteDirect = "direct"
	RouteRelay  = "relay"
)

// Job is one scheduled forwarding attempt.
type Job struct {
	MessageID   string    `json:"message_id"`
	Route       string    `json:"route,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	NextAttempt time.Time `json:"next_attempt"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`

	// BounceTo marks a record-less notification job: the spooled content
	// at SpoolPath goes to BounceTo with the null envelope sender instead
	// of through the message record pipeline.
	BounceTo  string `json:"bounce_to,omitempty"`
	SpoolPath string `json:"spool_path,omitempty"`
}

// Config configures the Redis queue.
type Config struct {
	// Addr is the Redis host:port.
	Addr string
	// Password is the optional AUTH password.
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all queue keys.
	Prefix string
	// MaxAttempts bounds delivery attempts for jobs that do not carry
	// their own bound.
	MaxAttempts int
	// RetryBase is the first retry delay; each retry doubles it.
	RetryBase time.Duration
	// RetryDeadline is the maximum time to retry before giving up.
	RetryDeadline time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		Prefix:        "mailhop",
		MaxAttempts:   5,
		RetryBase:     30 * time.Second,
		RetryDeadline: 48 * time.Hour,
	}
}

// maxBackoff caps the doubling so recovered jobs with inflated attempt
// counts still retry within the deadline window.
const maxBackoff = 6 * time.Hour

// RedisQueue implements the forwarding schedule using Redis. Ready jobs
// live in a ZSET scored by next-attempt time; jobs handed to a worker sit
// in a processing set until completed, rescheduled, or discarded.
type RedisQueue struct {
	client *redis.Client
	config Config
	log    *logging.Logger
	closed int32 // atomic: 1 if closed, 0 if open

	// Graceful shutdown
	wg sync.WaitGroup
}

// New creates a Redis-backed forwarding queue and verifies connectivity.
func New(cfg Config, log *logging.Logger) (*RedisQueue, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "mailhop"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryDeadline <= 0 {
		cfg.RetryDeadline = 48 * time.Hour
	}
	if log == nil {
		log = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
		PoolTimeout:     4 * time.Second,
	})

	// Test connection with retry
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if err := client.Ping(ctx).Err(); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * time.Second)
			}
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	q := &RedisQueue{
		client: client,
		config: cfg,
		log:    log.Queue(),
	}

	// Start connection health monitor
	go q.healthMonitor()

	return q, nil
}

// Key helpers
func (q *RedisQueue) scheduleKey() string   { return q.config.Prefix + ":schedule" }
func (q *RedisQueue) processingKey() string { return q.config.Prefix + ":processing" }
func (q *RedisQueue) jobKey(id string) string {
	return q.config.Prefix + ":job:" + id
}
func (q *RedisQueue) statsKey() string { return q.config.Prefix + ":stats" }

// healthMonitor periodically checks Redis connection health.
func (q *RedisQueue) healthMonitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if q.isClosed() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := q.client.Ping(ctx).Err()
		cancel()

		if err != nil {
			// The client reconnects on its own; surface the blip.
			q.log.WarnContext(context.Background(), "redis ping failed", "error", err.Error())
		}
	}
}

// isClosed safely checks if the queue is closed.
func (q *RedisQueue) isClosed() bool {
	return atomic.LoadInt32(&q.closed) == 1
}

// validateContext ensures context is valid and queue is open.
func (q *RedisQueue) validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is nil")
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue schedules a job. A zero NextAttempt means immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	if job == nil {
		return errors.New("job is nil")
	}
	if job.MessageID == "" {
		return errors.New("job message id is required")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if job.NextAttempt.IsZero() {
		job.NextAttempt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// Use transaction to ensure atomicity with retry on transient errors
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.jobKey(job.MessageID), data, 0)
		pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
			Score:  float64(job.NextAttempt.UnixNano()),
			Member: job.MessageID,
		})
		pipe.HIncrBy(ctx, q.statsKey(), "enqueued", 1)

		_, err = pipe.Exec(ctx)
		if err == nil {
			return nil
		}

		if !isTransientRedisError(err) {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}

		if attempt < maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}

	return fmt.Errorf("failed to enqueue job after %d retries: %w", maxRetries, err)
}

// Dequeue hands out the next job whose scheduled time has arrived, moving
// it into the processing set and charging one attempt. Returns nil when
// nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.validateContext(ctx); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	now := float64(time.Now().UnixNano())

	results, err := q.client.ZRangeByScoreWithScores(ctx, q.scheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	id := results[0].Member.(string)

	// Atomically move to the processing set
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduleKey(), id)
	pipe.SAdd(ctx, q.processingKey(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to move job to processing: %w", err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Put it back atomically if we can't read the data
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(), id)
		rollbackPipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
			Score:  results[0].Score,
			Member: id,
		})
		if _, rbErr := rollbackPipe.Exec(ctx); rbErr != nil {
			return nil, fmt.Errorf("failed to get job %s and rollback failed: %w (rollback error: %v)", id, err, rbErr)
		}
		return nil, err
	}

	job.Attempts++
	job.LastAttempt = time.Now()

	if err := q.updateJob(ctx, job); err != nil {
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(), id)
		rollbackPipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
			Score:  results[0].Score,
			Member: id,
		})
		rollbackPipe.Exec(ctx)
		return nil, err
	}

	return job, nil
}

// Complete removes a finished job. Terminal state lives on the store
// record, so nothing is kept in Redis beyond the stats counter.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)

	_, err := pipe.Exec(ctx)
	return err
}

// Retry reschedules a processing job with exponential backoff, persisting
// any routing change the caller made on the job. When the attempt bound or
// the retry deadline is exhausted the job is discarded and ErrRetryExhausted
// is returned; the caller decides the record's fate.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, cause error) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	if cause != nil {
		job.LastError = cause.Error()
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		if err := q.Discard(ctx, job.MessageID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d attempts", ErrRetryExhausted, job.Attempts)
	}
	if time.Since(job.EnqueuedAt) > q.config.RetryDeadline {
		if err := q.Discard(ctx, job.MessageID); err != nil {
			return err
		}
		return fmt.Errorf("%w: first enqueued %s ago", ErrRetryExhausted,
			time.Since(job.EnqueuedAt).Round(time.Second))
	}

	job.NextAttempt = time.Now().Add(q.backoffDelay(job.Attempts))

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), job.MessageID)
	pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
		Score:  float64(job.NextAttempt.UnixNano()),
		Member: job.MessageID,
	})
	pipe.Set(ctx, q.jobKey(job.MessageID), data, 0)
	pipe.HIncrBy(ctx, q.statsKey(), "retried", 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metrics.ForwardRetries.Inc()
	return nil
}

// Discard drops a job from every queue structure. Used for permanent
// failures, where the store record carries the outcome.
func (q *RedisQueue) Discard(ctx context.Context, id string) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), id)
	pipe.ZRem(ctx, q.scheduleKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	pipe.HIncrBy(ctx, q.statsKey(), "discarded", 1)

	_, err := pipe.Exec(ctx)
	return err
}

// GetJob retrieves a job by message id.
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// updateJob updates job data in Redis.
func (q *RedisQueue) updateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.MessageID), data, 0).Err()
}

// Depth returns the number of jobs in flight (scheduled plus processing)
// and refreshes the queue depth gauge. The receiver checks this bound
// before accepting new mail.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	scheduledCmd := pipe.ZCard(ctx, q.scheduleKey())
	processingCmd := pipe.SCard(ctx, q.processingKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	depth := scheduledCmd.Val() + processingCmd.Val()
	metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}

// Stats contains queue statistics.
type Stats struct {
	Scheduled      int64
	Processing     int64
	TotalEnqueued  int64
	TotalCompleted int64
	TotalRetried   int64
	TotalDiscarded int64
}

// Stats returns queue statistics.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.TxPipeline()
	scheduledCmd := pipe.ZCard(ctx, q.scheduleKey())
	processingCmd := pipe.SCard(ctx, q.processingKey())
	statsCmd := pipe.HGetAll(ctx, q.statsKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	stats := &Stats{
		Scheduled:  scheduledCmd.Val(),
		Processing: processingCmd.Val(),
	}

	counters := statsCmd.Val()
	if v, ok := counters["enqueued"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalEnqueued)
	}
	if v, ok := counters["completed"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalCompleted)
	}
	if v, ok := counters["retried"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalRetried)
	}
	if v, ok := counters["discarded"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalDiscarded)
	}

	return stats, nil
}

// RecoverStale moves jobs stuck in processing back onto the schedule.
// This handles cases where a worker crashed mid-attempt. Recovered jobs
// keep their attempt count and become ready immediately.
func (q *RedisQueue) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	processing, err := q.client.SMembers(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range processing {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Orphaned set member; drop it.
			q.client.SRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			continue
		}

		if time.Since(job.LastAttempt) <= staleThreshold {
			continue
		}

		job.NextAttempt = time.Now()
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, q.processingKey(), id)
		pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{
			Score:  float64(job.NextAttempt.UnixNano()),
			Member: id,
		})
		pipe.Set(ctx, q.jobKey(id), data, 0)
		if _, err := pipe.Exec(ctx); err == nil {
			recovered++
		}
	}

	return recovered, nil
}

// Close closes the Redis connection gracefully.
func (q *RedisQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		// Already closed
		return nil
	}

	// Wait for in-flight operations to complete with timeout
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		q.log.WarnContext(context.Background(), "timed out waiting for in-flight queue operations")
	}

	return q.client.Close()
}

// backoffDelay doubles the base delay per prior attempt with ±25% jitter
// so retry bursts from one outage do not stay synchronized.
func (q *RedisQueue) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.config.RetryBase
	for i := 1; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}

	jitterRange := int64(delay / 2)
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano()%jitterRange) - time.Duration(jitterRange/2)
		delay += jitter
	}

	return delay
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "EOF")
}
