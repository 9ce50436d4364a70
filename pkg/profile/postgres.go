package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const defaultProfileTable = "processing_profiles"

// PostgresSource reads profile rows from a relational table. The table is
// owned and versioned by the management plane; this source only queries it.
//
// Expected columns: name, device_type, device_id (NULL = type-wide), tenant_id
// (NULL = global), sampling_mode, sampling_interval_seconds,
// active_attributes (JSONB array, NULL = all), ignore_attributes (JSONB
// array), delta_thresholds (JSONB object), priority, is_active.
type PostgresSource struct {
	db    *sql.DB
	table string
}

// PostgresOption configures the source.
type PostgresOption func(*PostgresSource)

// WithProfileTable overrides the default table name.
func WithProfileTable(table string) PostgresOption {
	return func(s *PostgresSource) {
		if table != "" {
			s.table = table
		}
	}
}

// NewPostgresSource constructs a source over an existing database handle.
// The handle's lifecycle is managed by the caller.
func NewPostgresSource(db *sql.DB, opts ...PostgresOption) *PostgresSource {
	s := &PostgresSource{db: db, table: defaultProfileTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchProfile resolves the best-matching active row. The CASE expression
// mirrors Profile.specificity: device+tenant beats tenant-wide beats global
// per-device beats type-wide; priority breaks ties.
func (s *PostgresSource) FetchProfile(ctx context.Context, deviceType, deviceID, tenantID string) (Profile, error) {
	if s == nil || s.db == nil {
		return Profile{}, errors.New("profile source: nil db")
	}

	query := fmt.Sprintf(`
SELECT name, device_type, device_id, tenant_id, sampling_mode, sampling_interval_seconds,
       active_attributes, ignore_attributes, delta_thresholds, priority
FROM %s
WHERE device_type = $1
  AND is_active
  AND (device_id IS NULL OR device_id = $2)
  AND (tenant_id IS NULL OR tenant_id = $3)
ORDER BY CASE
    WHEN device_id IS NOT NULL AND tenant_id IS NOT NULL THEN 4
    WHEN tenant_id IS NOT NULL THEN 3
    WHEN device_id IS NOT NULL THEN 2
    ELSE 1
  END DESC,
  priority DESC
LIMIT 1`, s.table)

	row := s.db.QueryRowContext(ctx, query, deviceType, nullable(deviceID), nullable(tenantID))

	var (
		p                Profile
		dbDeviceID       sql.NullString
		dbTenantID       sql.NullString
		mode             string
		intervalSeconds  int64
		activeAttrsJSON  []byte
		ignoreAttrsJSON  []byte
		deltaThresholdsJ []byte
	)
	err := row.Scan(&p.Name, &p.DeviceType, &dbDeviceID, &dbTenantID, &mode, &intervalSeconds,
		&activeAttrsJSON, &ignoreAttrsJSON, &deltaThresholdsJ, &p.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("querying processing profile: %w", err)
	}

	p.DeviceID = dbDeviceID.String
	p.TenantID = dbTenantID.String
	p.SamplingMode = SamplingMode(mode)
	p.SamplingInterval = time.Duration(intervalSeconds) * time.Second

	if len(activeAttrsJSON) > 0 {
		if err := json.Unmarshal(activeAttrsJSON, &p.ActiveAttributes); err != nil {
			return Profile{}, fmt.Errorf("decoding active_attributes: %w", err)
		}
	}
	if len(ignoreAttrsJSON) > 0 {
		if err := json.Unmarshal(ignoreAttrsJSON, &p.IgnoreAttributes); err != nil {
			return Profile{}, fmt.Errorf("decoding ignore_attributes: %w", err)
		}
	}
	if len(deltaThresholdsJ) > 0 {
		if err := json.Unmarshal(deltaThresholdsJ, &p.DeltaThresholds); err != nil {
			return Profile{}, fmt.Errorf("decoding delta_thresholds: %w", err)
		}
	}
	return p, nil
}

// Close is a no-op; the database handle is shared and managed externally.
func (s *PostgresSource) Close() error { return nil }

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
