package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const taskField = "task"

// RedisStreamConfig holds configuration for the Redis Streams task queue.
type RedisStreamConfig struct {
	Addr     string
	Password string
	DB       int

	// Stream is the stream key tasks are appended to.
	Stream string
	// PollBlock is how long Consume blocks waiting for new entries before
	// returning an empty slice (the caller's idle tick).
	PollBlock time.Duration
	// StatusTTL bounds the lifetime of per-task status records.
	StatusTTL time.Duration
}

// RedisStreamQueue implements TaskQueue on Redis Streams. Delivery is
// at-least-once: a consumed entry stays in the group's pending list until
// XACK, and a consumer that restarts under the same name drains its pending
// backlog before reading new entries.
//
// Each task also gets a status record (a hash under task:{taskID}) holding
// the lifecycle status, the last error message, and the stream entry ID used
// for acknowledgment.
type RedisStreamQueue struct {
	client    *redis.Client
	stream    string
	pollBlock time.Duration
	statusTTL time.Duration
	logger    zerolog.Logger

	// sharedClient marks the connection as externally managed; Close then
	// leaves it open.
	sharedClient bool

	mu      sync.Mutex
	backlog map[string]string // group/consumer -> next backlog cursor; "" = drained
	groups  map[string]bool   // group -> created
}

// NewRedisStreamQueue connects to Redis and prepares the queue.
func NewRedisStreamQueue(ctx context.Context, cfg *RedisStreamConfig, logger zerolog.Logger) (*RedisStreamQueue, error) {
	if cfg.Stream == "" {
		return nil, errors.New("stream name must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("stream", cfg.Stream).
		Msg("Connected to Redis for task queue")
	return newRedisStreamQueue(client, cfg, logger), nil
}

// NewRedisStreamQueueFromClient wraps an existing client; its lifecycle
// remains with the caller and Close becomes a no-op on the connection.
func NewRedisStreamQueueFromClient(client *redis.Client, cfg *RedisStreamConfig, logger zerolog.Logger) *RedisStreamQueue {
	q := newRedisStreamQueue(client, cfg, logger)
	q.sharedClient = true
	return q
}

func newRedisStreamQueue(client *redis.Client, cfg *RedisStreamConfig, logger zerolog.Logger) *RedisStreamQueue {
	pollBlock := cfg.PollBlock
	if pollBlock <= 0 {
		pollBlock = time.Second
	}
	statusTTL := cfg.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	return &RedisStreamQueue{
		client:    client,
		stream:    cfg.Stream,
		pollBlock: pollBlock,
		statusTTL: statusTTL,
		logger:    logger.With().Str("component", "RedisStreamQueue").Str("stream", cfg.Stream).Logger(),
		backlog:   make(map[string]string),
		groups:    make(map[string]bool),
	}
}

var _ TaskQueue = (*RedisStreamQueue)(nil)

func (q *RedisStreamQueue) statusKey(taskID string) string {
	return "task:" + taskID
}

// Enqueue appends the task to the stream and creates its status record.
func (q *RedisStreamQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", task.TaskID, err)
	}

	entryID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{taskField: payload},
	}).Result()
	if err != nil {
		return fmt.Errorf("appending task %s to stream: %w", task.TaskID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.statusKey(task.TaskID), map[string]interface{}{
		"status":     "queued",
		"entry_id":   entryID,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, q.statusKey(task.TaskID), q.statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording status for task %s: %w", task.TaskID, err)
	}
	return nil
}

// Consume reads up to count tasks for the consumer. The first calls for a
// given group/consumer drain that consumer's pending backlog (entries
// delivered before a restart and never acknowledged); afterwards it blocks
// briefly on new entries.
func (q *RedisStreamQueue) Consume(ctx context.Context, group, consumer string, count int64) ([]Task, error) {
	if err := q.ensureGroup(ctx, group); err != nil {
		return nil, err
	}

	member := group + "/" + consumer
	q.mu.Lock()
	cursor, started := q.backlog[member]
	q.mu.Unlock()
	if !started {
		cursor = "0"
	}

	if !started || cursor != "" {
		// Drain this consumer's pending backlog without blocking; go-redis
		// treats a zero Block as "block forever", so it must be negative.
		// The cursor advances past entries already handed out this session,
		// so an un-acked task is delivered once per restart, not once per
		// poll.
		tasks, lastID, err := q.read(ctx, group, consumer, cursor, count, -1)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.backlog[member] = lastID // "" marks the backlog drained
		q.mu.Unlock()
		if len(tasks) > 0 {
			return tasks, nil
		}
	}

	tasks, _, err := q.read(ctx, group, consumer, ">", count, q.pollBlock)
	return tasks, err
}

// read fetches entries for the consumer and also reports the last delivered
// entry ID, which backlog reads use as their next cursor.
func (q *RedisStreamQueue) read(ctx context.Context, group, consumer, readID string, count int64, block time.Duration) ([]Task, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, readID},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading stream %s: %w", q.stream, err)
	}

	var tasks []Task
	var lastID string
	for _, stream := range streams {
		for _, message := range stream.Messages {
			lastID = message.ID
			task, ok := q.decodeMessage(ctx, group, message)
			if ok {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks, lastID, nil
}

func (q *RedisStreamQueue) decodeMessage(ctx context.Context, group string, message redis.XMessage) (Task, bool) {
	raw, ok := message.Values[taskField].(string)
	if !ok {
		q.logger.Error().Str("entry_id", message.ID).Msg("Stream entry has no task field, discarding")
		q.client.XAck(ctx, q.stream, group, message.ID)
		return Task{}, false
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// A poison entry would be redelivered forever; acknowledge and drop it.
		q.logger.Error().Err(err).Str("entry_id", message.ID).Msg("Discarding undecodable task")
		q.client.XAck(ctx, q.stream, group, message.ID)
		return Task{}, false
	}
	task.EntryID = message.ID
	return task, true
}

// Acknowledge removes the task from the group's pending entries. Consumed
// tasks carry their stream entry ID; for a task that lost it, the status
// record resolves the entry, as long as that record has not expired.
func (q *RedisStreamQueue) Acknowledge(ctx context.Context, group string, task Task) error {
	entryID := task.EntryID
	if entryID == "" {
		var err error
		entryID, err = q.client.HGet(ctx, q.statusKey(task.TaskID), "entry_id").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("task %s has no status record, cannot acknowledge", task.TaskID)
		}
		if err != nil {
			return fmt.Errorf("resolving entry for task %s: %w", task.TaskID, err)
		}
	}
	if err := q.client.XAck(ctx, q.stream, group, entryID).Err(); err != nil {
		return fmt.Errorf("acknowledging task %s: %w", task.TaskID, err)
	}
	return nil
}

// SetStatus records the task's lifecycle state and optional error message.
func (q *RedisStreamQueue) SetStatus(ctx context.Context, taskID string, status Status, message string) error {
	fields := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if message != "" {
		fields["error"] = message
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.statusKey(taskID), fields)
	pipe.Expire(ctx, q.statusKey(taskID), q.statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating status for task %s: %w", taskID, err)
	}
	return nil
}

// TaskStatus reads back a task's status record, for operator tooling.
func (q *RedisStreamQueue) TaskStatus(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := q.client.HGetAll(ctx, q.statusKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading status for task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no status record for task %s", taskID)
	}
	return fields, nil
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context, group string) error {
	q.mu.Lock()
	created := q.groups[group]
	q.mu.Unlock()
	if created {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("creating consumer group %s: %w", group, err)
	}
	q.mu.Lock()
	q.groups[group] = true
	q.mu.Unlock()
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Close closes the Redis connection unless it is shared.
func (q *RedisStreamQueue) Close() error {
	if q.sharedClient {
		return nil
	}
	return q.client.Close()
}
