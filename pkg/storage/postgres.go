package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const defaultMeasurementTable = "device_measurements"

// PostgresStore implements TimeSeriesStore over a relational table with
// upsert-on-conflict semantics. The table is expected to have a unique
// constraint on (tenant_id, entity_id, observed_at).
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore)

// WithTable overrides the default table name.
func WithTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewPostgresStore constructs a store over an existing database handle. The
// handle is shared and managed by the caller.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		table:  defaultMeasurementTable,
		logger: logger.With().Str("component", "PostgresTimeSeriesStore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertBatch upserts all rows in a single transaction. A redelivered task
// that produced the same (tenant, entity, observedAt) key overwrites the
// previous attributes payload; the last physical write wins.
func (s *PostgresStore) InsertBatch(ctx context.Context, rows []Row) error {
	if s == nil || s.db == nil {
		return errors.New("time-series store: nil db")
	}
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id,
	observed_at,
	device_id,
	entity_id,
	entity_type,
	attributes
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (tenant_id, entity_id, observed_at)
DO UPDATE SET
	attributes = EXCLUDED.attributes,
	updated_at = NOW()`, s.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.TenantID == "" || row.EntityID == "" || row.ObservedAt.IsZero() {
			_ = tx.Rollback()
			return fmt.Errorf("invalid row for device %q: missing tenant, entity or observation time", row.DeviceID)
		}
		attributes, err := json.Marshal(row.Attributes)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encoding attributes for entity %s: %w", row.EntityID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.TenantID,
			row.ObservedAt,
			row.DeviceID,
			row.EntityID,
			row.EntityType,
			attributes,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upserting entity %s: %w", row.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch of %d rows: %w", len(rows), err)
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("Inserted measurement batch")
	return nil
}

// Close is a no-op; the database handle is managed externally so it can be
// shared with the profile and credential stores.
func (s *PostgresStore) Close() error { return nil }
