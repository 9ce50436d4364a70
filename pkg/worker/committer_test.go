package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-iot/floodgate/pkg/lastvalue"
	"github.com/meridian-iot/floodgate/pkg/profile"
	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/storage"
	"github.com/meridian-iot/floodgate/pkg/telemetry"
	"github.com/meridian-iot/floodgate/pkg/worker"
)

type batchStore struct {
	mu      sync.Mutex
	batches [][]storage.Row
	err     error
}

func (s *batchStore) InsertBatch(_ context.Context, rows []storage.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, rows)
	return nil
}

func (s *batchStore) Close() error { return nil }

type pushRecorder struct {
	mu        sync.Mutex
	entityIDs []string
}

func (p *pushRecorder) PushMeasurements(_ context.Context, _, entityID string, _ telemetry.MeasurementSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entityIDs = append(p.entityIDs, entityID)
	return nil
}

type committerFixture struct {
	committer *worker.PipelineCommitter
	store     *batchStore
	pusher    *pushRecorder
	cache     *lastvalue.MemoryCache
	clock     *fakeClock
}

func newCommitter(t *testing.T, rows ...profile.Profile) *committerFixture {
	t.Helper()
	clock := newFakeClock()
	cache := lastvalue.NewMemoryCache(time.Hour, zerolog.Nop(), lastvalue.WithMemoryClock(clock.Now))
	engine := profile.NewEngine(cache, zerolog.Nop())
	profiles := profile.NewStore(profile.NewMemorySource(rows...), zerolog.Nop(), profile.WithClock(clock.Now))

	store := &batchStore{}
	pusher := &pushRecorder{}
	committer := worker.NewPipelineCommitter(profiles, engine, store, pusher, cache, zerolog.Nop())
	return &committerFixture{committer: committer, store: store, pusher: pusher, cache: cache, clock: clock}
}

func TestPipelineCommitter_OneBulkWritePerBatch(t *testing.T) {
	fx := newCommitter(t)
	tasks := []queue.Task{task("a"), task("b"), task("c")}

	succeeded, failed := fx.committer.CommitBatch(context.Background(), tasks)

	assert.Len(t, succeeded, 3)
	assert.Empty(t, failed)
	require.Len(t, fx.store.batches, 1)
	assert.Len(t, fx.store.batches[0], 3)
	assert.Len(t, fx.pusher.entityIDs, 3)
}

func TestPipelineCommitter_GovernanceDropsSucceedWithoutPersist(t *testing.T) {
	fx := newCommitter(t, profile.Profile{
		DeviceType:       "AgriSensor",
		TenantID:         "acme",
		SamplingMode:     profile.SampleThrottle,
		SamplingInterval: time.Minute,
	})
	ctx := context.Background()

	first, failed := fx.committer.CommitBatch(ctx, []queue.Task{task("a")})
	require.Len(t, first, 1)
	require.Empty(t, failed)

	// The same device again inside the window: dropped by governance but the
	// task still succeeds so the queue can acknowledge it.
	second, failed := fx.committer.CommitBatch(ctx, []queue.Task{task("b")})
	assert.Len(t, second, 1)
	assert.Empty(t, failed)
	assert.Len(t, fx.store.batches, 1)
}

func TestPipelineCommitter_EmptyTasksSucceedWithoutPersist(t *testing.T) {
	fx := newCommitter(t)

	empty := queue.Task{TaskID: "empty", TenantID: "acme", DeviceID: "sensor-7", DeviceType: "AgriSensor"}
	succeeded, failed := fx.committer.CommitBatch(context.Background(), []queue.Task{empty})

	assert.Len(t, succeeded, 1)
	assert.Empty(t, failed)
	assert.Empty(t, fx.store.batches)
}

func TestPipelineCommitter_BulkWriteFailureFailsOnlyPersistingTasks(t *testing.T) {
	fx := newCommitter(t)
	fx.store.err = errors.New("connection reset")
	ctx := context.Background()

	empty := queue.Task{TaskID: "empty", TenantID: "acme", DeviceID: "sensor-7", DeviceType: "AgriSensor"}
	succeeded, failed := fx.committer.CommitBatch(ctx, []queue.Task{task("a"), empty, task("b")})

	// The empty task is unaffected by the write failure.
	require.Len(t, succeeded, 1)
	assert.Equal(t, "empty", succeeded[0].TaskID)
	assert.Len(t, failed, 2)

	// No commit reached the cache and no state was pushed.
	assert.False(t, fx.cache.ShouldThrottle(ctx, "sensor-7", time.Hour))
	assert.Empty(t, fx.pusher.entityIDs)
}

func TestPipelineCommitter_RecordsCommitsAfterDurableWrite(t *testing.T) {
	fx := newCommitter(t)
	ctx := context.Background()

	_, failed := fx.committer.CommitBatch(ctx, []queue.Task{task("a")})
	require.Empty(t, failed)

	assert.True(t, fx.cache.ShouldThrottle(ctx, "sensor-7", time.Hour))
	assert.False(t, fx.cache.ExceedsDelta(ctx, "sensor-7", "temperature", 21.5, 0.1))
}

func TestPipelineCommitter_FilteringNarrowsRowAndPush(t *testing.T) {
	fx := newCommitter(t, profile.Profile{
		DeviceType:       "AgriSensor",
		TenantID:         "acme",
		SamplingMode:     profile.SampleAll,
		ActiveAttributes: []string{"temperature"},
	})

	full := task("a")
	full.Measurements = append(full.Measurements, telemetry.Measurement{
		Attribute: "battery", Value: telemetry.NumberValue(88),
	})
	succeeded, failed := fx.committer.CommitBatch(context.Background(), []queue.Task{full})
	require.Len(t, succeeded, 1)
	require.Empty(t, failed)

	require.Len(t, fx.store.batches, 1)
	row := fx.store.batches[0][0]
	assert.Contains(t, row.Attributes, "temperature")
	assert.NotContains(t, row.Attributes, "battery")
	// The succeeded task carries the narrowed set too.
	assert.Equal(t, []string{"temperature"}, succeeded[0].Measurements.Attributes())
}
