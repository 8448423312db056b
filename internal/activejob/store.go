// Package activejob is the Active-Job store: one record per tenant while a
// job is running, used by the orchestrator's "is there already a job for
// this tenant" check and to drive preemption. Presence of a row is the
// busy signal; there is no separate status column (see DESIGN.md, Open
// Question: dual active-jobs semantics).
package activejob

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

const activeJobsTable = "active_jobs"

// Record mirrors one row of the active_jobs table.
type Record struct {
	TenantKey   string
	MessageID   string
	TaskToken   string
	LeaseHandle string
	ThreadID    string
	WorkerID    string
	StartedAt   time.Time
	TTLAt       time.Time
}

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Active-Job store client.
type Store struct {
	conn pgxConn
}

// NewStore constructs a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{conn: pool}
}

// EnsureSchema creates the active_jobs table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    tenant_key   TEXT PRIMARY KEY,
    message_id   TEXT NOT NULL,
    task_token   TEXT NOT NULL,
    lease_handle TEXT NOT NULL,
    thread_id    TEXT NOT NULL,
    worker_id    TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    ttl_at       TIMESTAMPTZ NOT NULL
)`, activeJobsTable))
	if err != nil {
		return fmt.Errorf("ensure active-jobs schema: %w", err)
	}
	return nil
}

// Begin creates the active-job record when a work message starts
// processing. It upserts unconditionally: C7 guarantees at most one job
// is ever accepted per tenant at a time, so a pre-existing row here means
// a crashed prior attempt, which is safe to overwrite.
func (s *Store) Begin(ctx context.Context, rec Record) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (tenant_key, message_id, task_token, lease_handle, thread_id, worker_id, started_at, ttl_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_key) DO UPDATE
  SET message_id = EXCLUDED.message_id,
      task_token = EXCLUDED.task_token,
      lease_handle = EXCLUDED.lease_handle,
      thread_id = EXCLUDED.thread_id,
      worker_id = EXCLUDED.worker_id,
      started_at = EXCLUDED.started_at,
      ttl_at = EXCLUDED.ttl_at
`, activeJobsTable), rec.TenantKey, rec.MessageID, rec.TaskToken, rec.LeaseHandle,
		rec.ThreadID, rec.WorkerID, rec.StartedAt, rec.TTLAt)
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("begin active job %s: %w", rec.TenantKey, err), "active-job store write")
	}
	return nil
}

// Heartbeat refreshes the TTL on an in-flight job.
func (s *Store) Heartbeat(ctx context.Context, tenantKey string, ttl time.Duration) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET ttl_at = $2 WHERE tenant_key = $1
`, activeJobsTable), tenantKey, time.Now().Add(ttl))
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("heartbeat active job %s: %w", tenantKey, err), "active-job store write")
	}
	return nil
}

// End deletes the active-job record on terminal outcome (success, failure,
// or preemption).
func (s *Store) End(ctx context.Context, tenantKey string) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_key = $1`, activeJobsTable), tenantKey)
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("end active job %s: %w", tenantKey, err), "active-job store write")
	}
	return nil
}

// Lookup reports whether a job is currently active for tenantKey, the
// orchestrator's busy-signal check.
func (s *Store) Lookup(ctx context.Context, tenantKey string) (Record, bool, error) {
	row := s.conn.QueryRow(ctx, fmt.Sprintf(`
SELECT tenant_key, message_id, task_token, lease_handle, thread_id, worker_id, started_at, ttl_at
FROM %s WHERE tenant_key = $1
`, activeJobsTable), tenantKey)

	var rec Record
	if err := row.Scan(&rec.TenantKey, &rec.MessageID, &rec.TaskToken, &rec.LeaseHandle,
		&rec.ThreadID, &rec.WorkerID, &rec.StartedAt, &rec.TTLAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, apperrors.NewTransientError(fmt.Errorf("lookup active job %s: %w", tenantKey, err), "active-job store read")
	}
	return rec, true, nil
}
