// Package storage is the durable time-series side of the pipeline.
package storage

import (
	"context"
	"io"
	"time"
)

// Row is one persisted measurement set: the attributes of one device at one
// observation time, as a structured payload.
type Row struct {
	TenantID   string
	ObservedAt time.Time
	DeviceID   string
	EntityID   string
	EntityType string
	// Attributes maps attribute name to {"value": ..., "unit": ...}.
	Attributes map[string]any
}

// TimeSeriesStore abstracts the destination store. Implementations must give
// InsertBatch upsert-on-conflict semantics keyed by
// (tenantID, entityID, observedAt): redelivered tasks overwrite rather than
// duplicate.
type TimeSeriesStore interface {
	InsertBatch(ctx context.Context, rows []Row) error
	io.Closer
}
