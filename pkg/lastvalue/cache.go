// Package lastvalue tracks, per device and attribute, the last persisted
// numeric value and the last persistence timestamp. It backs the throttle and
// delta-threshold decisions of the profile engine.
//
// Both implementations fail open: if the cache backend is unreachable,
// ShouldThrottle reports false and ExceedsDelta reports true, so data is
// never silently dropped because of infrastructure unavailability. Degraded
// decisions are logged at warning level.
package lastvalue

import (
	"context"
	"time"

	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// Cache is the contract shared by the Redis-backed and in-memory
// implementations. All methods are safe for concurrent use.
type Cache interface {
	// ShouldThrottle reports whether a commit for the device happened within
	// the given interval.
	ShouldThrottle(ctx context.Context, deviceID string, interval time.Duration) bool

	// ExceedsDelta reports whether newValue differs from the last committed
	// value of the attribute by at least threshold. A first-seen attribute
	// always passes.
	ExceedsDelta(ctx context.Context, deviceID, attribute string, newValue, threshold float64) bool

	// RecordCommit updates the last-commit timestamp and, for every numeric
	// measurement, the last value. Callers must invoke it only after the
	// durable write has succeeded.
	RecordCommit(ctx context.Context, deviceID string, set telemetry.MeasurementSet) error

	// Close releases any backend resources.
	Close() error
}

// DefaultEntryTTL bounds the lifetime of cache entries so abandoned devices
// do not leak memory. It is deliberately independent of any profile's
// throttle interval.
const DefaultEntryTTL = time.Hour
