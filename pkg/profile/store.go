package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long a resolved profile stays cached before the
// backing store is consulted again.
const DefaultCacheTTL = 5 * time.Minute

// Store resolves processing profiles through a read-through cache over a
// Source. Resolution never fails: a backing-store error degrades to the
// built-in default profile, because persistence of a measurement must not be
// blocked by governance-metadata unavailability.
type Store struct {
	source Source
	ttl    time.Duration
	cache  sync.Map // cacheKey -> cacheEntry
	logger zerolog.Logger
	now    func() time.Time
}

type cacheKey struct {
	deviceType string
	deviceID   string
	tenantID   string
}

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCacheTTL overrides the default cache TTL.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a profile store over the given source.
func NewStore(source Source, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		source: source,
		ttl:    DefaultCacheTTL,
		logger: logger.With().Str("component", "ProfileStore").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the governing profile for the device. Cache entries are
// replaced atomically per key; concurrent resolvers of the same key may both
// hit the source once, which is harmless for a read-only lookup.
func (s *Store) Resolve(ctx context.Context, deviceType, deviceID, tenantID string) Profile {
	key := cacheKey{deviceType: deviceType, deviceID: deviceID, tenantID: tenantID}

	if raw, ok := s.cache.Load(key); ok {
		entry := raw.(cacheEntry)
		if s.now().Before(entry.expiresAt) {
			return entry.profile
		}
		s.cache.Delete(key)
	}

	resolved, err := s.source.FetchProfile(ctx, deviceType, deviceID, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, ErrProfileNotFound):
		resolved = Default(deviceType)
	default:
		s.logger.Warn().Err(err).
			Str("device_type", deviceType).
			Str("device_id", deviceID).
			Str("tenant_id", tenantID).
			Msg("Profile backing store unavailable, using default profile")
		// Do not cache the degraded result; retry the source on the next call.
		return Default(deviceType)
	}

	s.cache.Store(key, cacheEntry{profile: resolved, expiresAt: s.now().Add(s.ttl)})
	return resolved
}

// Invalidate drops cached entries matching the given device type and tenant.
// An empty argument acts as a wildcard; Invalidate("", "") clears the cache.
// Management planes call this after editing profile rows.
func (s *Store) Invalidate(deviceType, tenantID string) {
	s.cache.Range(func(k, _ any) bool {
		key := k.(cacheKey)
		if (deviceType == "" || key.deviceType == deviceType) &&
			(tenantID == "" || key.tenantID == tenantID) {
			s.cache.Delete(k)
		}
		return true
	})
}

// Close closes the underlying source.
func (s *Store) Close() error {
	return s.source.Close()
}
