package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-iot/floodgate/pkg/worker"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("FLOODGATE_CONSUMER_GROUP", "ingest-workers")
	t.Setenv("FLOODGATE_CONSUMER_NAME", "worker-0")

	cfg, err := worker.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "ingest-workers", cfg.ConsumerGroup)
	assert.Equal(t, "worker-0", cfg.ConsumerName)
	assert.Equal(t, int64(10), cfg.PollCount)
	assert.True(t, cfg.BatchMode)
	assert.Equal(t, 100, cfg.BatchMaxSize)
	assert.Equal(t, time.Second, cfg.BatchMaxWait)
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("FLOODGATE_CONSUMER_GROUP", "ingest-workers")
	t.Setenv("FLOODGATE_CONSUMER_NAME", "worker-0")
	t.Setenv("FLOODGATE_POLL_COUNT", "25")
	t.Setenv("FLOODGATE_BATCH_MODE", "false")
	t.Setenv("FLOODGATE_BATCH_MAX_SIZE", "500")
	t.Setenv("FLOODGATE_BATCH_MAX_WAIT", "250ms")

	cfg, err := worker.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, int64(25), cfg.PollCount)
	assert.False(t, cfg.BatchMode)
	assert.Equal(t, 500, cfg.BatchMaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchMaxWait)
}

func TestLoadConfigFromEnv_RequiresConsumerGroup(t *testing.T) {
	t.Setenv("FLOODGATE_CONSUMER_GROUP", "")

	_, err := worker.LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestLoadConfigFromEnv_RejectsInvalidValues(t *testing.T) {
	t.Setenv("FLOODGATE_CONSUMER_GROUP", "ingest-workers")
	t.Setenv("FLOODGATE_CONSUMER_NAME", "worker-0")
	t.Setenv("FLOODGATE_POLL_COUNT", "-1")

	_, err := worker.LoadConfigFromEnv()
	assert.Error(t, err)
}
