package profile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/lastvalue"
	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// Decision reasons, reported in logs and outcomes.
const (
	ReasonSampleAll       = "sampling-all"
	ReasonIntervalElapsed = "interval-elapsed"
	ReasonDeltaOverride   = "delta-override"
	ReasonThrottled       = "throttled"
	ReasonFilteredEmpty   = "filtered-empty"
)

// Decision is the outcome of applying a profile to a measurement set.
type Decision struct {
	Persist  bool
	Filtered telemetry.MeasurementSet
	Reason   string
}

// Engine applies a profile's rules to decide persist/drop and to filter
// attributes. It holds no per-device state of its own; throttle and delta
// history live in the last-value cache.
type Engine struct {
	lastValues lastvalue.Cache
	logger     zerolog.Logger
}

// NewEngine creates an engine backed by the given last-value cache.
func NewEngine(lastValues lastvalue.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		lastValues: lastValues,
		logger:     logger.With().Str("component", "ProfileEngine").Logger(),
	}
}

// Decide applies the profile to the set.
//
// Throttle mode falls back to the delta thresholds: a significant change on
// any one configured attribute overrides throttling for the whole set. With
// no thresholds configured, throttle mode is pure time gating.
//
// Callers must record the commit in the last-value cache only after the
// durable write succeeds; Decide itself never mutates cache state.
func (e *Engine) Decide(ctx context.Context, p Profile, deviceID string, set telemetry.MeasurementSet) Decision {
	persist, reason := e.shouldPersist(ctx, p, deviceID, set)
	if !persist {
		return Decision{Reason: reason}
	}

	filtered := make(telemetry.MeasurementSet, 0, len(set))
	for _, m := range set {
		if p.Allows(m.Attribute) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		// Nothing actionable survived filtering.
		return Decision{Reason: ReasonFilteredEmpty}
	}
	return Decision{Persist: true, Filtered: filtered, Reason: reason}
}

func (e *Engine) shouldPersist(ctx context.Context, p Profile, deviceID string, set telemetry.MeasurementSet) (bool, string) {
	if p.SamplingMode != SampleThrottle {
		return true, ReasonSampleAll
	}

	if !e.lastValues.ShouldThrottle(ctx, deviceID, p.SamplingInterval) {
		return true, ReasonIntervalElapsed
	}

	for attribute, threshold := range p.DeltaThresholds {
		m, ok := set.Get(attribute)
		if !ok {
			continue
		}
		value, numeric := m.Value.Float()
		if !numeric {
			// Non-numeric values cannot be delta-compared and always pass.
			return true, ReasonDeltaOverride
		}
		if e.lastValues.ExceedsDelta(ctx, deviceID, attribute, value, threshold) {
			e.logger.Debug().
				Str("device_id", deviceID).
				Str("attribute", attribute).
				Float64("threshold", threshold).
				Msg("Delta threshold exceeded, overriding throttle")
			return true, ReasonDeltaOverride
		}
	}
	return false, ReasonThrottled
}
