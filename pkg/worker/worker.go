// Package worker drives the queued ingestion path: a pull loop over the task
// queue feeding either the batch accumulator or the pipeline directly, with
// acknowledgment and status reporting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/ingest"
	"github.com/meridian-iot/floodgate/pkg/queue"
)

// Config holds the worker loop configuration.
type Config struct {
	ConsumerGroup string
	ConsumerName  string
	// PollCount is the maximum number of tasks consumed per poll.
	PollCount int64
	// BatchMode selects batched flushing; when false every task is processed
	// and acknowledged individually.
	BatchMode    bool
	BatchMaxSize int
	BatchMaxWait time.Duration
}

// LoadConfigFromEnv loads the worker configuration from environment
// variables (FLOODGATE_CONSUMER_GROUP, FLOODGATE_CONSUMER_NAME,
// FLOODGATE_POLL_COUNT, FLOODGATE_BATCH_MODE, FLOODGATE_BATCH_MAX_SIZE,
// FLOODGATE_BATCH_MAX_WAIT).
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ConsumerGroup: os.Getenv("FLOODGATE_CONSUMER_GROUP"),
		ConsumerName:  os.Getenv("FLOODGATE_CONSUMER_NAME"),
		PollCount:     10,
		BatchMode:     true,
		BatchMaxSize:  100,
		BatchMaxWait:  time.Second,
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("FLOODGATE_CONSUMER_GROUP environment variable not set")
	}
	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			return nil, errors.New("FLOODGATE_CONSUMER_NAME not set and hostname unavailable")
		}
		cfg.ConsumerName = host
	}
	if v := os.Getenv("FLOODGATE_POLL_COUNT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid FLOODGATE_POLL_COUNT %q", v)
		}
		cfg.PollCount = n
	}
	if v := os.Getenv("FLOODGATE_BATCH_MODE"); v != "" {
		mode, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FLOODGATE_BATCH_MODE %q", v)
		}
		cfg.BatchMode = mode
	}
	if v := os.Getenv("FLOODGATE_BATCH_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid FLOODGATE_BATCH_MAX_SIZE %q", v)
		}
		cfg.BatchMaxSize = n
	}
	if v := os.Getenv("FLOODGATE_BATCH_MAX_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid FLOODGATE_BATCH_MAX_WAIT %q", v)
		}
		cfg.BatchMaxWait = d
	}
	return cfg, nil
}

// TaskProcessor processes one task synchronously (the non-batch mode).
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task queue.Task) (ingest.Outcome, error)
}

// Worker owns one consumer loop. Accumulators are per-worker and never
// shared; scale out by running more workers under the same consumer group.
type Worker struct {
	cfg       *Config
	queue     queue.TaskQueue
	processor TaskProcessor
	acc       *Accumulator
	metrics   *Metrics
	logger    zerolog.Logger
}

// New creates a worker. acc may be nil when BatchMode is false.
func New(cfg *Config, taskQueue queue.TaskQueue, processor TaskProcessor, acc *Accumulator, metrics *Metrics, logger zerolog.Logger) (*Worker, error) {
	if cfg.BatchMode && acc == nil {
		return nil, errors.New("batch mode requires an accumulator")
	}
	if !cfg.BatchMode && processor == nil {
		return nil, errors.New("direct mode requires a task processor")
	}
	if cfg.PollCount <= 0 {
		cfg.PollCount = 10
	}
	return &Worker{
		cfg:       cfg,
		queue:     taskQueue,
		processor: processor,
		acc:       acc,
		metrics:   metrics,
		logger: logger.With().
			Str("component", "Worker").
			Str("consumer_group", cfg.ConsumerGroup).
			Str("consumer_name", cfg.ConsumerName).
			Logger(),
	}, nil
}

// Run drives the poll → accumulate → conditional-flush cycle until the
// context is cancelled, then force-flushes the pending batch so no task is
// dropped silently: everything is either acknowledged after a successful
// flush or left un-acknowledged for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Bool("batch_mode", w.cfg.BatchMode).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		default:
		}

		tasks, err := w.queue.Consume(ctx, w.cfg.ConsumerGroup, w.cfg.ConsumerName, w.cfg.PollCount)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown()
			}
			w.logger.Error().Err(err).Msg("Queue consume failed, backing off")
			select {
			case <-ctx.Done():
				return w.shutdown()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, task := range tasks {
			if w.metrics != nil {
				w.metrics.TasksConsumed.Inc()
			}
			if err := w.queue.SetStatus(ctx, task.TaskID, queue.StatusProcessing, ""); err != nil {
				w.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to mark task processing")
			}
			if w.cfg.BatchMode {
				w.acc.Add(task)
			} else {
				w.processOne(ctx, task)
			}
		}

		// The time bound must fire even on an empty poll.
		if w.cfg.BatchMode && w.acc.IsReady() {
			w.flush(ctx)
		}
	}
}

func (w *Worker) processOne(ctx context.Context, task queue.Task) {
	outcome, err := w.processor.ProcessTask(ctx, task)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedEvent) {
			// Not retryable; acknowledging prevents eternal redelivery.
			w.finishTask(ctx, task, queue.StatusFailed, err.Error(), true)
			return
		}
		w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Task processing failed, leaving for redelivery")
		w.finishTask(ctx, task, queue.StatusFailed, err.Error(), false)
		return
	}

	if w.metrics != nil {
		if outcome.Persisted {
			w.metrics.SetsPersisted.Inc()
		} else {
			w.metrics.SetsDropped.Inc()
		}
	}
	w.finishTask(ctx, task, queue.StatusCompleted, "", true)
}

func (w *Worker) flush(ctx context.Context) {
	succeeded, failed := w.acc.Flush(ctx)
	if w.metrics != nil && (len(succeeded) > 0 || len(failed) > 0) {
		w.metrics.BatchFlushes.Inc()
	}
	for _, task := range succeeded {
		w.finishTask(ctx, task, queue.StatusCompleted, "", true)
	}
	for _, task := range failed {
		w.finishTask(ctx, task, queue.StatusFailed, "batch flush failed", false)
	}
}

// finishTask records the task's final status and, when ack is true, removes
// it from the queue's pending set.
func (w *Worker) finishTask(ctx context.Context, task queue.Task, status queue.Status, message string, ack bool) {
	if err := w.queue.SetStatus(ctx, task.TaskID, status, message); err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to update task status")
	}
	if !ack {
		if w.metrics != nil {
			w.metrics.TasksFailed.Inc()
		}
		return
	}
	if err := w.queue.Acknowledge(ctx, w.cfg.ConsumerGroup, task); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to acknowledge task")
		return
	}
	if w.metrics != nil {
		w.metrics.TasksAcked.Inc()
	}
}

// shutdown force-flushes the pending batch with a fresh context, because the
// loop context is already cancelled but in-flight work must still complete.
func (w *Worker) shutdown() error {
	w.logger.Info().Msg("Worker shutting down")
	if w.cfg.BatchMode && w.acc.Size() > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		w.flush(flushCtx)
	}
	w.logger.Info().Msg("Worker stopped")
	return nil
}
