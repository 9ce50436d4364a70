package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/ingest"
	"github.com/meridian-iot/floodgate/pkg/lastvalue"
	"github.com/meridian-iot/floodgate/pkg/profile"
	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/storage"
)

// PipelineCommitter applies governance per task at flush time and performs
// one bulk time-series write for the whole batch, followed by per-entity
// shared-state pushes. Governance happens here rather than at enqueue so the
// queue's redelivery unit stays the raw accepted task.
type PipelineCommitter struct {
	profiles   ingest.ProfileResolver
	engine     *profile.Engine
	store      storage.TimeSeriesStore
	pusher     ingest.StatePusher
	lastValues lastvalue.Cache
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPipelineCommitter wires the batch commit path.
func NewPipelineCommitter(
	profiles ingest.ProfileResolver,
	engine *profile.Engine,
	store storage.TimeSeriesStore,
	pusher ingest.StatePusher,
	lastValues lastvalue.Cache,
	logger zerolog.Logger,
) *PipelineCommitter {
	return &PipelineCommitter{
		profiles:   profiles,
		engine:     engine,
		store:      store,
		pusher:     pusher,
		lastValues: lastValues,
		logger:     logger.With().Str("component", "PipelineCommitter").Logger(),
		now:        time.Now,
	}
}

// CommitBatch implements BatchCommitter.
func (c *PipelineCommitter) CommitBatch(ctx context.Context, tasks []queue.Task) (succeeded, failed []queue.Task) {
	var rows []storage.Row
	var persisting []queue.Task
	var filteredSets = make(map[string]int) // taskID -> index into rows

	for _, task := range tasks {
		if len(task.Measurements) == 0 {
			// Nothing extractable; acknowledging avoids eternal redelivery.
			c.logger.Warn().Str("task_id", task.TaskID).Msg("Task carries no measurements, completing without persist")
			succeeded = append(succeeded, task)
			continue
		}

		prof := c.profiles.Resolve(ctx, task.DeviceType, task.DeviceID, task.TenantID)
		decision := c.engine.Decide(ctx, prof, task.DeviceID, task.Measurements)
		if !decision.Persist {
			c.logger.Debug().
				Str("task_id", task.TaskID).
				Str("device_id", task.DeviceID).
				Str("reason", decision.Reason).
				Msg("Task dropped by governance")
			succeeded = append(succeeded, task)
			continue
		}

		row := ingest.BuildRow(task.TenantID, task.DeviceType, task.DeviceID, decision.Filtered, c.now())
		filteredSets[task.TaskID] = len(rows)
		rows = append(rows, row)
		persisting = append(persisting, withFiltered(task, decision))
	}

	if len(rows) == 0 {
		return succeeded, nil
	}

	if err := c.store.InsertBatch(ctx, rows); err != nil {
		c.logger.Error().Err(err).Int("rows", len(rows)).Msg("Bulk time-series write failed")
		return succeeded, persisting
	}

	for _, task := range persisting {
		if err := c.lastValues.RecordCommit(ctx, task.DeviceID, task.Measurements); err != nil {
			c.logger.Warn().Err(err).Str("device_id", task.DeviceID).
				Msg("Failed to record commit in last-value cache")
		}
		row := rows[filteredSets[task.TaskID]]
		if err := c.pusher.PushMeasurements(ctx, task.TenantID, row.EntityID, task.Measurements); err != nil {
			c.logger.Warn().Err(err).
				Str("tenant_id", task.TenantID).
				Str("entity_id", row.EntityID).
				Msg("Shared-state push failed after durable commit")
		}
	}
	succeeded = append(succeeded, persisting...)
	return succeeded, nil
}

// withFiltered narrows the task's measurements to the filtered set so the
// cache update and broker push reflect what was actually persisted.
func withFiltered(task queue.Task, decision profile.Decision) queue.Task {
	task.Measurements = decision.Filtered
	return task
}
