package lastvalue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// MemoryCache is an in-process Cache. It is used in tests and in single-node
// deployments that run without Redis.
//
// Entries are held in a sync.Map keyed by device, each guarded by its own
// mutex, so concurrent updates to different devices never contend on a
// global lock. Expired entries are dropped lazily on access and reaped on
// write.
type MemoryCache struct {
	entries sync.Map // deviceID -> *deviceEntry
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

type deviceEntry struct {
	mu         sync.Mutex
	lastCommit time.Time
	values     map[string]float64
	expiresAt  time.Time
	// gone marks an entry retired by expiry; it is set under mu before the
	// entry is unlinked from the map, so a concurrent commit never lands on
	// a dead entry.
	gone bool
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock injects the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates an in-memory cache whose entries expire ttl after
// their last commit. A non-positive ttl falls back to DefaultEntryTTL.
func NewMemoryCache(ttl time.Duration, logger zerolog.Logger, opts ...MemoryOption) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	c := &MemoryCache{
		ttl:    ttl,
		logger: logger.With().Str("component", "MemoryLastValueCache").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) ShouldThrottle(_ context.Context, deviceID string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	entry, ok := c.live(deviceID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.gone {
		return false
	}
	return c.now().Sub(entry.lastCommit) < interval
}

func (c *MemoryCache) ExceedsDelta(_ context.Context, deviceID, attribute string, newValue, threshold float64) bool {
	entry, ok := c.live(deviceID)
	if !ok {
		return true
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.gone {
		return true
	}
	last, found := entry.values[attribute]
	if !found {
		return true
	}
	return math.Abs(newValue-last) >= threshold
}

func (c *MemoryCache) RecordCommit(_ context.Context, deviceID string, set telemetry.MeasurementSet) error {
	now := c.now()
	for {
		raw, _ := c.entries.LoadOrStore(deviceID, &deviceEntry{values: make(map[string]float64)})
		entry := raw.(*deviceEntry)

		entry.mu.Lock()
		if entry.gone {
			// Retired by a concurrent expiry; start over with a fresh entry.
			entry.mu.Unlock()
			continue
		}
		entry.lastCommit = now
		entry.expiresAt = now.Add(c.ttl)
		for _, m := range set {
			if v, ok := m.Value.Float(); ok {
				entry.values[m.Attribute] = v
			}
		}
		entry.mu.Unlock()
		return nil
	}
}

// Close implements Cache; there is nothing to release.
func (c *MemoryCache) Close() error { return nil }

// live returns the entry for the device if it exists and has not expired.
// Expired entries are retired and unlinked while their lock is held.
func (c *MemoryCache) live(deviceID string) (*deviceEntry, bool) {
	raw, ok := c.entries.Load(deviceID)
	if !ok {
		return nil, false
	}
	entry := raw.(*deviceEntry)
	entry.mu.Lock()
	if c.now().After(entry.expiresAt) {
		entry.gone = true
		c.entries.CompareAndDelete(deviceID, raw)
		entry.mu.Unlock()
		return nil, false
	}
	entry.mu.Unlock()
	return entry, true
}
