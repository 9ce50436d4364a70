package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownCredential is returned when a credential digest resolves to no
// active tenant.
var ErrUnknownCredential = errors.New("credential does not resolve to a tenant")

// DigestCredential returns the one-way digest of a raw credential. Only the
// digest is ever stored, compared, or logged.
func DigestCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TenantResolver maps a credential digest to a tenant.
type TenantResolver interface {
	LookupTenant(ctx context.Context, credentialDigest string) (string, error)
	io.Closer
}

// PostgresTenantResolver resolves tenants from an api_credentials table
// (digest, tenant_id, is_active).
type PostgresTenantResolver struct {
	db    *sql.DB
	table string
}

// NewPostgresTenantResolver constructs a resolver over an existing database
// handle.
func NewPostgresTenantResolver(db *sql.DB) *PostgresTenantResolver {
	return &PostgresTenantResolver{db: db, table: "api_credentials"}
}

func (r *PostgresTenantResolver) LookupTenant(ctx context.Context, credentialDigest string) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("tenant resolver: nil db")
	}
	query := fmt.Sprintf("SELECT tenant_id FROM %s WHERE digest = $1 AND is_active", r.table)
	var tenantID string
	err := r.db.QueryRowContext(ctx, query, credentialDigest).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownCredential
	}
	if err != nil {
		return "", fmt.Errorf("querying credential store: %w", err)
	}
	return tenantID, nil
}

func (r *PostgresTenantResolver) Close() error { return nil }

// CachedTenantResolver is a read-through cache over another resolver.
// Successful lookups are cached for the TTL; unknown credentials are not
// cached, so a newly provisioned key works without waiting for expiry.
type CachedTenantResolver struct {
	source TenantResolver
	ttl    time.Duration
	cache  sync.Map // digest -> tenantEntry
	logger zerolog.Logger
	now    func() time.Time
}

type tenantEntry struct {
	tenantID  string
	expiresAt time.Time
}

// CachedResolverOption configures a CachedTenantResolver.
type CachedResolverOption func(*CachedTenantResolver)

// WithResolverClock injects the time source, for tests.
func WithResolverClock(now func() time.Time) CachedResolverOption {
	return func(r *CachedTenantResolver) { r.now = now }
}

// NewCachedTenantResolver wraps source with a TTL cache.
func NewCachedTenantResolver(source TenantResolver, ttl time.Duration, logger zerolog.Logger, opts ...CachedResolverOption) *CachedTenantResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r := &CachedTenantResolver{
		source: source,
		ttl:    ttl,
		logger: logger.With().Str("component", "CachedTenantResolver").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CachedTenantResolver) LookupTenant(ctx context.Context, credentialDigest string) (string, error) {
	if raw, ok := r.cache.Load(credentialDigest); ok {
		entry := raw.(tenantEntry)
		if r.now().Before(entry.expiresAt) {
			return entry.tenantID, nil
		}
		r.cache.Delete(credentialDigest)
	}

	tenantID, err := r.source.LookupTenant(ctx, credentialDigest)
	if err != nil {
		return "", err
	}
	r.cache.Store(credentialDigest, tenantEntry{tenantID: tenantID, expiresAt: r.now().Add(r.ttl)})
	return tenantID, nil
}

// Invalidate drops a cached digest, for credential revocation.
func (r *CachedTenantResolver) Invalidate(credentialDigest string) {
	r.cache.Delete(credentialDigest)
}

func (r *CachedTenantResolver) Close() error {
	return r.source.Close()
}
