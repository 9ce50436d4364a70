package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

const (
	testStream   = "floodgate:tasks"
	testGroup    = "ingest-workers"
	testConsumer = "worker-0"
)

func newQueue(t *testing.T) (*queue.RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisStreamQueueFromClient(client, &queue.RedisStreamConfig{
		Stream:    testStream,
		PollBlock: 10 * time.Millisecond,
	}, zerolog.Nop())
	return q, client
}

func newTask(deviceID string) *queue.Task {
	return &queue.Task{
		TenantID:   "acme",
		DeviceID:   deviceID,
		DeviceType: "AgriSensor",
		Measurements: telemetry.MeasurementSet{
			{Attribute: "temperature", Value: telemetry.NumberValue(21.5)},
		},
	}
}

func TestRedisStreamQueue_EnqueueConsumeAcknowledge(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	task := newTask("sensor-7")
	require.NoError(t, q.Enqueue(ctx, task))
	assert.NotEmpty(t, task.TaskID)
	assert.False(t, task.EnqueuedAt.IsZero())

	tasks, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.TaskID, tasks[0].TaskID)
	assert.Equal(t, "acme", tasks[0].TenantID)
	assert.Equal(t, "sensor-7", tasks[0].DeviceID)
	require.Len(t, tasks[0].Measurements, 1)

	// The entry stays pending until acknowledged.
	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, q.Acknowledge(ctx, testGroup, tasks[0]))
	pending, err = client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStreamQueue_RedeliversUnackedTasksAfterRestart(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	task := newTask("sensor-7")
	require.NoError(t, q.Enqueue(ctx, task))

	tasks, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	// Simulate a crash: no acknowledgment before the worker goes away.

	// A fresh queue instance under the same consumer name drains the pending
	// backlog first.
	restarted := queue.NewRedisStreamQueueFromClient(client, &queue.RedisStreamConfig{
		Stream:    testStream,
		PollBlock: 10 * time.Millisecond,
	}, zerolog.Nop())

	redelivered, err := restarted.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, task.TaskID, redelivered[0].TaskID)

	// Still un-acked, but within the same session the entry is not handed
	// out again.
	again, err := restarted.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, restarted.Acknowledge(ctx, testGroup, redelivered[0]))

	// After the ack, another restart finds nothing left to redeliver.
	acked := queue.NewRedisStreamQueueFromClient(client, &queue.RedisStreamConfig{
		Stream:    testStream,
		PollBlock: 10 * time.Millisecond,
	}, zerolog.Nop())
	again, err = acked.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisStreamQueue_PendingBacklogDeliveredOncePerSession(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("sensor-7")))
	consumed, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, consumed, 1)

	restarted := queue.NewRedisStreamQueueFromClient(client, &queue.RedisStreamConfig{
		Stream:    testStream,
		PollBlock: 10 * time.Millisecond,
	}, zerolog.Nop())

	// A batch-mode worker polls repeatedly before its first flush acks
	// anything; the pending entry must come back once, not once per poll.
	total := 0
	for i := 0; i < 5; i++ {
		got, err := restarted.Consume(ctx, testGroup, testConsumer, 10)
		require.NoError(t, err)
		total += len(got)
	}
	assert.Equal(t, 1, total)
}

func TestRedisStreamQueue_BacklogCursorAdvancesAcrossPolls(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newTask("sensor-7")))
	}
	consumed, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, consumed, 3)

	restarted := queue.NewRedisStreamQueueFromClient(client, &queue.RedisStreamConfig{
		Stream:    testStream,
		PollBlock: 10 * time.Millisecond,
	}, zerolog.Nop())

	// Small polls walk the backlog without repeating entries.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		got, err := restarted.Consume(ctx, testGroup, testConsumer, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.False(t, seen[got[0].TaskID])
		seen[got[0].TaskID] = true
	}

	empty, err := restarted.Consume(ctx, testGroup, testConsumer, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStreamQueue_AcknowledgeSurvivesStatusExpiry(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	task := newTask("sensor-7")
	require.NoError(t, q.Enqueue(ctx, task))
	tasks, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// The status record can expire while the entry is still pending; the
	// consumed task carries its own entry ID so the ack still lands.
	require.NoError(t, client.Del(ctx, "task:"+task.TaskID).Err())
	require.NoError(t, q.Acknowledge(ctx, testGroup, tasks[0]))

	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStreamQueue_StatusLifecycle(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	task := newTask("sensor-7")
	require.NoError(t, q.Enqueue(ctx, task))

	status, err := q.TaskStatus(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "queued", status["status"])
	assert.NotEmpty(t, status["entry_id"])

	require.NoError(t, q.SetStatus(ctx, task.TaskID, queue.StatusFailed, "storage write failed"))
	status, err = q.TaskStatus(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status["status"])
	assert.Equal(t, "storage write failed", status["error"])

	_, err = q.TaskStatus(ctx, "no-such-task")
	assert.Error(t, err)
}

func TestRedisStreamQueue_PoisonEntriesAreDiscarded(t *testing.T) {
	q, client := newQueue(t)
	ctx := context.Background()

	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"task": "{not json"},
	}).Result()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, newTask("sensor-7")))

	tasks, err := q.Consume(ctx, testGroup, testConsumer, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "sensor-7", tasks[0].DeviceID)

	// The poison entry was acknowledged on the spot, not left pending.
	require.NoError(t, q.Acknowledge(ctx, testGroup, tasks[0]))
	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStreamQueue_AcknowledgeUnknownTask(t *testing.T) {
	q, _ := newQueue(t)
	err := q.Acknowledge(context.Background(), testGroup, queue.Task{TaskID: "no-such-task"})
	assert.Error(t, err)
}

func TestRedisStreamQueue_MultipleConsumersShareTheStream(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, newTask("sensor-7")))
	}

	a, err := q.Consume(ctx, testGroup, "worker-a", 2)
	require.NoError(t, err)
	b, err := q.Consume(ctx, testGroup, "worker-b", 2)
	require.NoError(t, err)

	// Entries within a group are delivered once across consumers.
	seen := map[string]bool{}
	for _, task := range append(a, b...) {
		assert.False(t, seen[task.TaskID])
		seen[task.TaskID] = true
	}
	assert.Len(t, seen, 4)
}
