package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/queue"
)

// BatchCommitter performs the single bulk write for a flushed batch and
// reports which tasks made it. Failed tasks are counted, never retried here;
// redelivery is the queue's responsibility.
type BatchCommitter interface {
	CommitBatch(ctx context.Context, tasks []queue.Task) (succeeded, failed []queue.Task)
}

// Accumulator buffers accepted ingestion tasks and releases them as one
// batch when a size or time bound is reached. Each worker owns its own
// accumulator; instances are never shared.
type Accumulator struct {
	maxSize   int
	maxWait   time.Duration
	committer BatchCommitter
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	tasks    []queue.Task
	firstAdd time.Time
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithAccumulatorClock injects the time source, for tests.
func WithAccumulatorClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) { a.now = now }
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(maxSize int, maxWait time.Duration, committer BatchCommitter, logger zerolog.Logger, opts ...AccumulatorOption) *Accumulator {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	a := &Accumulator{
		maxSize:   maxSize,
		maxWait:   maxWait,
		committer: committer,
		logger:    logger.With().Str("component", "BatchAccumulator").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add appends a task to the in-flight batch.
func (a *Accumulator) Add(task queue.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.tasks) == 0 {
		a.firstAdd = a.now()
	}
	a.tasks = append(a.tasks, task)
}

// Size returns the number of buffered tasks.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// IsReady reports whether the batch should flush: full, or the first task
// has waited longer than the configured bound. Callers must poll this on an
// idle tick too, otherwise a partially filled batch could wait forever under
// low traffic.
func (a *Accumulator) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.tasks) == 0 {
		return false
	}
	if len(a.tasks) >= a.maxSize {
		return true
	}
	return a.now().Sub(a.firstAdd) >= a.maxWait
}

// Flush commits the buffered tasks as one bulk write and returns the
// per-item outcome. The batch is swapped for a fresh empty one before the
// I/O call, so no lock is held across the commit and no task can appear in
// two batches. Flushing an empty accumulator is a no-op.
func (a *Accumulator) Flush(ctx context.Context) (succeeded, failed []queue.Task) {
	a.mu.Lock()
	batch := a.tasks
	a.tasks = nil
	a.firstAdd = time.Time{}
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	succeeded, failed = a.committer.CommitBatch(ctx, batch)
	a.logger.Info().
		Int("batch_size", len(batch)).
		Int("succeeded", len(succeeded)).
		Int("failed", len(failed)).
		Msg("Flushed batch")
	return succeeded, failed
}
