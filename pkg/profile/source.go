package profile

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrProfileNotFound is returned by a Source when no active row matches the
// lookup tuple.
var ErrProfileNotFound = errors.New("no matching processing profile")

// Source is the backing store of profile rows, read-only from the pipeline's
// perspective. FetchProfile applies the resolution precedence (most specific
// row first, higher priority within ties) and returns ErrProfileNotFound
// when nothing matches.
type Source interface {
	FetchProfile(ctx context.Context, deviceType, deviceID, tenantID string) (Profile, error)
	io.Closer
}

// MemorySource is a Source over a fixed set of rows. It is used in tests and
// carries the reference implementation of the resolution precedence that the
// Postgres query mirrors.
type MemorySource struct {
	mu   sync.RWMutex
	rows []Profile
}

// NewMemorySource creates a source holding the given active rows.
func NewMemorySource(rows ...Profile) *MemorySource {
	return &MemorySource{rows: rows}
}

// Add appends a row.
func (s *MemorySource) Add(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, p)
}

// FetchProfile picks the best-matching row: first by specificity
// (device+tenant, then tenant-wide, then global per-device, then type-wide),
// then by priority.
func (s *MemorySource) FetchProfile(_ context.Context, deviceType, deviceID, tenantID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best Profile
	found := false
	for _, row := range s.rows {
		if row.DeviceType != deviceType {
			continue
		}
		if row.DeviceID != "" && row.DeviceID != deviceID {
			continue
		}
		if row.TenantID != "" && row.TenantID != tenantID {
			continue
		}
		if !found ||
			row.specificity() > best.specificity() ||
			(row.specificity() == best.specificity() && row.Priority > best.Priority) {
			best = row
			found = true
		}
	}
	if !found {
		return Profile{}, ErrProfileNotFound
	}
	return best, nil
}

// Close implements Source.
func (s *MemorySource) Close() error { return nil }
