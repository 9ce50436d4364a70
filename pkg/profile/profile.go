// Package profile holds the governance rules of the pipeline: which
// measurements are worth persisting for a given device and tenant, and which
// attributes survive filtering.
package profile

import (
	"time"
)

// SamplingMode selects how a profile gates persistence.
type SamplingMode string

const (
	// SampleAll persists every well-formed measurement set.
	SampleAll SamplingMode = "all"
	// SampleThrottle suppresses persists within SamplingInterval unless a
	// delta threshold is exceeded.
	SampleThrottle SamplingMode = "throttle"
)

// Profile is one resolved governance rule set. Profiles are resolved, never
// mutated, per ingestion call; edits happen in the backing store and reach
// the pipeline through cache expiry or explicit invalidation.
type Profile struct {
	// Name identifies the row in the management plane; it plays no part in
	// resolution and exists for logs and audits.
	Name string

	DeviceType string
	DeviceID   string // empty = applies to every device of the type
	TenantID   string // empty = applies to every tenant

	SamplingMode     SamplingMode
	SamplingInterval time.Duration

	// ActiveAttributes is an allow-list; nil means all attributes are active.
	ActiveAttributes []string
	// IgnoreAttributes is a deny-list and always wins over the allow-list.
	IgnoreAttributes []string
	// DeltaThresholds maps attribute name to the minimum absolute change that
	// overrides throttling.
	DeltaThresholds map[string]float64

	Priority int
}

// Default returns the built-in profile used when no row matches or the
// backing store is unavailable: persist everything, filter nothing.
func Default(deviceType string) Profile {
	return Profile{
		DeviceType:   deviceType,
		SamplingMode: SampleAll,
	}
}

// Allows reports whether the attribute survives the profile's filters.
func (p Profile) Allows(attribute string) bool {
	for _, denied := range p.IgnoreAttributes {
		if denied == attribute {
			return false
		}
	}
	if p.ActiveAttributes == nil {
		return true
	}
	for _, allowed := range p.ActiveAttributes {
		if allowed == attribute {
			return true
		}
	}
	return false
}

// specificity ranks a profile row for resolution precedence. Higher wins.
func (p Profile) specificity() int {
	switch {
	case p.DeviceID != "" && p.TenantID != "":
		return 4
	case p.TenantID != "":
		return 3
	case p.DeviceID != "":
		return 2
	default:
		return 1
	}
}
