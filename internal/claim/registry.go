// Package claim implements the Claim Registry client: exclusive,
// TTL-bound ownership of a tenant by a single worker process, backed by
// Postgres conditional writes in the manner of the scheduler's advisory
// lock and the Lark task store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webordinary/edit-worker/internal/apperrors"
)

const ownershipTable = "ownership"

// Record mirrors one row of the ownership table.
type Record struct {
	TenantKey    string
	WorkerID     string
	ClaimedAt    time.Time
	LastActivity time.Time
	TTLAt        time.Time
}

// Expired reports whether the record's TTL has passed as of now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.TTLAt)
}

// pgxConn is the subset of *pgxpool.Pool this package exercises, narrowed
// to a seam tests can fake without standing up a real database.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry is the Claim Registry client (C1).
type Registry struct {
	conn pgxConn
}

// NewRegistry constructs a Registry backed by pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{conn: pool}
}

// EnsureSchema creates the ownership table if it does not already exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    tenant_key    TEXT PRIMARY KEY,
    worker_id     TEXT NOT NULL,
    claimed_at    TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL,
    ttl_at        TIMESTAMPTZ NOT NULL
)`, ownershipTable))
	if err != nil {
		return fmt.Errorf("ensure ownership schema: %w", err)
	}
	return nil
}

// Claim performs an atomic conditional put: it succeeds if no record
// exists for tenantKey, or if the existing record's TTL has already
// passed. On success it installs workerID as the new owner with a fresh
// TTL of now+ttl.
func (r *Registry) Claim(ctx context.Context, tenantKey, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := r.conn.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (tenant_key, worker_id, claimed_at, last_activity, ttl_at)
VALUES ($1, $2, $3, $3, $4)
ON CONFLICT (tenant_key) DO UPDATE
  SET worker_id = EXCLUDED.worker_id,
      claimed_at = EXCLUDED.claimed_at,
      last_activity = EXCLUDED.last_activity,
      ttl_at = EXCLUDED.ttl_at
  WHERE %s.ttl_at < EXCLUDED.claimed_at
`, ownershipTable, ownershipTable), tenantKey, workerID, now, now.Add(ttl))
	if err != nil {
		return false, apperrors.NewTransientError(fmt.Errorf("claim %s: %w", tenantKey, err), "claim registry write")
	}
	return tag.RowsAffected() == 1, nil
}

// Refresh extends a held claim's TTL. It only succeeds while workerID
// still owns tenantKey.
func (r *Registry) Refresh(ctx context.Context, tenantKey, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := r.conn.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET last_activity = $3, ttl_at = $4
WHERE tenant_key = $1 AND worker_id = $2
`, ownershipTable), tenantKey, workerID, now, now.Add(ttl))
	if err != nil {
		return false, apperrors.NewTransientError(fmt.Errorf("refresh %s: %w", tenantKey, err), "claim registry write")
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the ownership record, but only if workerID is the
// current owner.
func (r *Registry) Release(ctx context.Context, tenantKey, workerID string) error {
	_, err := r.conn.Exec(ctx, fmt.Sprintf(`
DELETE FROM %s WHERE tenant_key = $1 AND worker_id = $2
`, ownershipTable), tenantKey, workerID)
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("release %s: %w", tenantKey, err), "claim registry write")
	}
	return nil
}

// Lookup fetches the current ownership record for tenantKey, for
// orchestrator-side inspection. Not used by the owning worker on its own
// record.
func (r *Registry) Lookup(ctx context.Context, tenantKey string) (Record, bool, error) {
	row := r.conn.QueryRow(ctx, fmt.Sprintf(`
SELECT tenant_key, worker_id, claimed_at, last_activity, ttl_at
FROM %s WHERE tenant_key = $1
`, ownershipTable), tenantKey)

	var rec Record
	if err := row.Scan(&rec.TenantKey, &rec.WorkerID, &rec.ClaimedAt, &rec.LastActivity, &rec.TTLAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, apperrors.NewTransientError(fmt.Errorf("lookup %s: %w", tenantKey, err), "claim registry read")
	}
	return rec, true, nil
}
