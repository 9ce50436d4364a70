// Package ingest is the per-event entry point of the pipeline: it resolves
// tenant identity, extracts measurements, applies the governing profile and
// commits accepted measurements to storage and to the shared-state endpoint.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/broker"
	"github.com/meridian-iot/floodgate/pkg/lastvalue"
	"github.com/meridian-iot/floodgate/pkg/profile"
	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/storage"
	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// Rejection classes. ErrStorageFailure is the only retryable one.
var (
	ErrInvalidCredential = errors.New("credential could not be resolved to a tenant")
	ErrMalformedEvent    = errors.New("event carries no extractable measurements")
	ErrStorageFailure    = errors.New("time-series storage write failed")
)

// ProfileResolver yields the governing profile for a device. It never fails;
// backing-store trouble degrades to the built-in default inside the store.
type ProfileResolver interface {
	Resolve(ctx context.Context, deviceType, deviceID, tenantID string) profile.Profile
}

// StatePusher pushes the current attribute state of an entity to the
// external shared-state endpoint.
type StatePusher interface {
	PushMeasurements(ctx context.Context, tenantID, entityID string, set telemetry.MeasurementSet) error
}

// Outcome reports what happened to an accepted event. Persisted is false
// when governance dropped the data; the event was still accepted.
type Outcome struct {
	TenantID   string
	DeviceID   string
	EntityID   string
	Persisted  bool
	Reason     string
	Filtered   telemetry.MeasurementSet
	ObservedAt time.Time
}

// Pipeline is the direct ingestion path.
type Pipeline struct {
	tenants    TenantResolver
	profiles   ProfileResolver
	engine     *profile.Engine
	store      storage.TimeSeriesStore
	pusher     StatePusher
	lastValues lastvalue.Cache
	logger     zerolog.Logger
	now        func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineClock injects the time source, for tests.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the direct path.
func NewPipeline(
	tenants TenantResolver,
	profiles ProfileResolver,
	engine *profile.Engine,
	store storage.TimeSeriesStore,
	pusher StatePusher,
	lastValues lastvalue.Cache,
	logger zerolog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		tenants:    tenants,
		profiles:   profiles,
		engine:     engine,
		store:      store,
		pusher:     pusher,
		lastValues: lastValues,
		logger:     logger.With().Str("component", "IngestPipeline").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes one raw event submitted with a credential.
func (p *Pipeline) Ingest(ctx context.Context, rawEvent []byte, credential string) (Outcome, error) {
	digest := DigestCredential(credential)
	tenantID, err := p.tenants.LookupTenant(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrUnknownCredential) {
			return Outcome{}, ErrInvalidCredential
		}
		// The credential store itself failed; the caller may retry.
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	reading, err := telemetry.Extract(rawEvent, p.now())
	if err != nil {
		return Outcome{TenantID: tenantID}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return p.process(ctx, tenantID, reading)
}

// ProcessTask is the queued-path equivalent of Ingest: the tenant was
// resolved at enqueue time, so only extraction back from the task and the
// governance/commit steps remain.
func (p *Pipeline) ProcessTask(ctx context.Context, task queue.Task) (Outcome, error) {
	if len(task.Measurements) == 0 {
		return Outcome{TenantID: task.TenantID, DeviceID: task.DeviceID}, ErrMalformedEvent
	}
	reading := telemetry.Reading{
		DeviceID:   task.DeviceID,
		DeviceType: task.DeviceType,
		Set:        task.Measurements,
	}
	return p.process(ctx, task.TenantID, reading)
}

func (p *Pipeline) process(ctx context.Context, tenantID string, reading telemetry.Reading) (Outcome, error) {
	prof := p.profiles.Resolve(ctx, reading.DeviceType, reading.DeviceID, tenantID)
	decision := p.engine.Decide(ctx, prof, reading.DeviceID, reading.Set)

	outcome := Outcome{
		TenantID: tenantID,
		DeviceID: reading.DeviceID,
		EntityID: broker.EntityID(reading.DeviceType, tenantID, reading.DeviceID),
		Reason:   decision.Reason,
	}
	if !decision.Persist {
		p.logger.Debug().
			Str("tenant_id", tenantID).
			Str("device_id", reading.DeviceID).
			Str("reason", decision.Reason).
			Msg("Measurement set dropped by governance")
		return outcome, nil
	}

	row := BuildRow(tenantID, reading.DeviceType, reading.DeviceID, decision.Filtered, p.now())
	if err := p.store.InsertBatch(ctx, []storage.Row{row}); err != nil {
		p.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("device_id", reading.DeviceID).
			Msg("Time-series write failed")
		return outcome, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	// The durable write succeeded; from here on nothing rolls back.
	outcome.Persisted = true
	outcome.Filtered = decision.Filtered
	outcome.ObservedAt = row.ObservedAt

	if err := p.lastValues.RecordCommit(ctx, reading.DeviceID, decision.Filtered); err != nil {
		p.logger.Warn().Err(err).Str("device_id", reading.DeviceID).
			Msg("Failed to record commit in last-value cache")
	}

	if err := p.pusher.PushMeasurements(ctx, tenantID, outcome.EntityID, decision.Filtered); err != nil {
		p.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("entity_id", outcome.EntityID).
			Msg("Shared-state push failed after durable commit")
	}

	return outcome, nil
}

// BuildRow shapes a filtered measurement set into a storage row. The row's
// observation time is the latest measurement time, falling back to now so
// the upsert key is never zero.
func BuildRow(tenantID, deviceType, deviceID string, set telemetry.MeasurementSet, now time.Time) storage.Row {
	observedAt := set.ObservedAt()
	if observedAt.IsZero() {
		observedAt = now
	}
	attributes := make(map[string]any, len(set))
	for _, m := range set {
		attr := map[string]any{"value": m.Value.Raw()}
		if m.Unit != "" {
			attr["unit"] = m.Unit
		}
		attributes[m.Attribute] = attr
	}
	return storage.Row{
		TenantID:   tenantID,
		ObservedAt: observedAt,
		DeviceID:   deviceID,
		EntityID:   broker.EntityID(deviceType, tenantID, deviceID),
		EntityType: deviceType,
		Attributes: attributes,
	}
}
