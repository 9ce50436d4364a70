package profile_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-iot/floodgate/pkg/profile"
)

// countingSource wraps a Source and counts FetchProfile calls.
type countingSource struct {
	inner profile.Source
	calls atomic.Int64
	err   error
}

func (s *countingSource) FetchProfile(ctx context.Context, deviceType, deviceID, tenantID string) (profile.Profile, error) {
	s.calls.Add(1)
	if s.err != nil {
		return profile.Profile{}, s.err
	}
	return s.inner.FetchProfile(ctx, deviceType, deviceID, tenantID)
}

func (s *countingSource) Close() error { return s.inner.Close() }

func TestStore_CachesResolvedProfiles(t *testing.T) {
	source := &countingSource{inner: profile.NewMemorySource(profile.Profile{
		DeviceType:       "AgriSensor",
		SamplingMode:     profile.SampleThrottle,
		SamplingInterval: 30 * time.Second,
	})}
	store := profile.NewStore(source, zerolog.Nop())
	ctx := context.Background()

	first := store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	second := store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")

	assert.Equal(t, first, second)
	assert.Equal(t, profile.SampleThrottle, first.SamplingMode)
	assert.Equal(t, int64(1), source.calls.Load())
}

func TestStore_CacheEntriesExpire(t *testing.T) {
	clock := newFakeClock()
	source := &countingSource{inner: profile.NewMemorySource(profile.Default("AgriSensor"))}
	store := profile.NewStore(source, zerolog.Nop(),
		profile.WithCacheTTL(time.Minute),
		profile.WithClock(clock.Now))
	ctx := context.Background()

	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	require.Equal(t, int64(1), source.calls.Load())

	clock.Advance(2 * time.Minute)
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestStore_NotFoundFallsBackToDefaultAndCaches(t *testing.T) {
	source := &countingSource{inner: profile.NewMemorySource()}
	store := profile.NewStore(source, zerolog.Nop())
	ctx := context.Background()

	resolved := store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	assert.Equal(t, profile.Default("AgriSensor"), resolved)

	// The absence is cached; the source is not hammered per event.
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	assert.Equal(t, int64(1), source.calls.Load())
}

func TestStore_SourceErrorDegradesWithoutCaching(t *testing.T) {
	source := &countingSource{
		inner: profile.NewMemorySource(),
		err:   errors.New("connection refused"),
	}
	store := profile.NewStore(source, zerolog.Nop())
	ctx := context.Background()

	resolved := store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	assert.Equal(t, profile.Default("AgriSensor"), resolved)

	// Errors are not cached: the next resolve retries the source.
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestStore_Invalidate(t *testing.T) {
	source := &countingSource{inner: profile.NewMemorySource(profile.Default("AgriSensor"))}
	store := profile.NewStore(source, zerolog.Nop())
	ctx := context.Background()

	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	store.Resolve(ctx, "AgriSensor", "sensor-8", "globex")
	require.Equal(t, int64(2), source.calls.Load())

	// Tenant-scoped invalidation only evicts acme's entry.
	store.Invalidate("AgriSensor", "acme")
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	store.Resolve(ctx, "AgriSensor", "sensor-8", "globex")
	assert.Equal(t, int64(3), source.calls.Load())

	// Wildcard invalidation clears everything.
	store.Invalidate("", "")
	store.Resolve(ctx, "AgriSensor", "sensor-7", "acme")
	store.Resolve(ctx, "AgriSensor", "sensor-8", "globex")
	assert.Equal(t, int64(5), source.calls.Load())
}

func TestMemorySource_ResolutionPrecedence(t *testing.T) {
	typeWide := profile.Profile{
		Name: "type-wide", DeviceType: "AgriSensor",
		SamplingMode: profile.SampleAll,
	}
	globalDevice := profile.Profile{
		Name: "global-device", DeviceType: "AgriSensor", DeviceID: "sensor-7",
		SamplingMode: profile.SampleThrottle, SamplingInterval: 10 * time.Second,
	}
	tenantWide := profile.Profile{
		Name: "tenant-wide", DeviceType: "AgriSensor", TenantID: "acme",
		SamplingMode: profile.SampleThrottle, SamplingInterval: 30 * time.Second,
	}
	deviceTenant := profile.Profile{
		Name: "device-tenant", DeviceType: "AgriSensor", DeviceID: "sensor-7", TenantID: "acme",
		SamplingMode: profile.SampleThrottle, SamplingInterval: 60 * time.Second,
	}
	source := profile.NewMemorySource(typeWide, globalDevice, tenantWide, deviceTenant)
	ctx := context.Background()

	got, err := source.FetchProfile(ctx, "AgriSensor", "sensor-7", "acme")
	require.NoError(t, err)
	assert.Equal(t, "device-tenant", got.Name)

	// Another device of the same tenant falls through to the tenant-wide row.
	got, err = source.FetchProfile(ctx, "AgriSensor", "sensor-9", "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-wide", got.Name)

	// The same device under another tenant matches the global per-device row.
	got, err = source.FetchProfile(ctx, "AgriSensor", "sensor-7", "globex")
	require.NoError(t, err)
	assert.Equal(t, "global-device", got.Name)

	got, err = source.FetchProfile(ctx, "AgriSensor", "sensor-9", "globex")
	require.NoError(t, err)
	assert.Equal(t, "type-wide", got.Name)

	_, err = source.FetchProfile(ctx, "WaterMeter", "sensor-7", "acme")
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
}

func TestMemorySource_PriorityBreaksTies(t *testing.T) {
	low := profile.Profile{Name: "low", DeviceType: "AgriSensor", TenantID: "acme", Priority: 1}
	high := profile.Profile{Name: "high", DeviceType: "AgriSensor", TenantID: "acme", Priority: 10}
	source := profile.NewMemorySource(low, high)

	got, err := source.FetchProfile(context.Background(), "AgriSensor", "sensor-7", "acme")
	require.NoError(t, err)
	assert.Equal(t, "high", got.Name)
}
