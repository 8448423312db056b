// Package queue implements the Queue Client (C2) contract against
// Postgres: one table per queue kind (work, strict-ordered; preempt,
// standard; unclaimed, the shared claim-request queue), each holding all
// tenants' messages keyed by tenant_key, since no message-broker SDK
// appears anywhere in the example corpus (see DESIGN.md). Visibility/lease
// semantics are modeled with a visible_at column and SELECT ... FOR UPDATE
// SKIP LOCKED.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webordinary/edit-worker/internal/apperrors"
)

// Kind distinguishes the three queue tables.
type Kind string

const (
	KindWork      Kind = "work"
	KindPreempt   Kind = "preempt"
	KindUnclaimed Kind = "unclaimed"
)

// UnclaimedTenantKey is the sentinel tenant key under which every
// CLAIM_REQUEST message is enqueued: the unclaimed queue is shared across
// all tenants rather than partitioned per tenant, but reuses the same
// FIFO-by-partition mechanism as the work/preempt tables.
const UnclaimedTenantKey = "*unclaimed*"

func tableFor(kind Kind) string {
	switch kind {
	case KindWork:
		return "work_queue_messages"
	case KindPreempt:
		return "preempt_queue_messages"
	case KindUnclaimed:
		return "unclaimed_queue_messages"
	default:
		return "work_queue_messages"
	}
}

// Message is one dequeued row, opaque beyond the fields the queue client
// itself needs; callers unmarshal Body into the work/preempt message
// shapes from the data model.
type Message struct {
	Handle      string
	TenantKey   string
	Body        json.RawMessage
	SequenceNum int64
}

// Client is the Queue Client (C2).
type Client struct {
	pool *pgxpool.Pool
}

// NewClient constructs a Client backed by pool.
func NewClient(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// EnsureSchema creates the three queue tables if they do not already exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, kind := range []Kind{KindWork, KindPreempt, KindUnclaimed} {
		table := tableFor(kind)
		_, err := c.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    handle       BIGSERIAL PRIMARY KEY,
    tenant_key   TEXT NOT NULL,
    body         JSONB NOT NULL,
    sequence_num BIGINT NOT NULL DEFAULT 0,
    visible_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_until TIMESTAMPTZ
)`, table))
		if err != nil {
			return fmt.Errorf("ensure %s schema: %w", table, err)
		}
		_, err = c.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_tenant_visible ON %s (tenant_key, sequence_num, visible_at)`,
			table, table))
		if err != nil {
			return fmt.Errorf("ensure %s index: %w", table, err)
		}
	}
	return nil
}

// Send enqueues a message for tenantKey. For the work queue, sequenceNum
// must be monotonically increasing per tenant to preserve strict
// ordering; the preempt queue ignores ordering and sequenceNum may be 0.
func (c *Client) Send(ctx context.Context, kind Kind, tenantKey string, body json.RawMessage, sequenceNum int64) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_key, body, sequence_num) VALUES ($1, $2, $3)`, tableFor(kind)),
		tenantKey, body, sequenceNum)
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("send to %s: %w", kind, err), "queue write")
	}
	return nil
}

// Receive long-polls for up to one visible, unlocked message for
// tenantKey, waiting up to waitSecs before returning nil. The work queue
// is read in sequence_num order to preserve strict per-tenant ordering;
// the preempt queue has no ordering guarantee.
func (c *Client) Receive(ctx context.Context, kind Kind, tenantKey string, waitSecs int, leaseFor time.Duration) (*Message, error) {
	deadline := time.Now().Add(time.Duration(waitSecs) * time.Second)
	table := tableFor(kind)

	for {
		msg, err := c.tryClaimOne(ctx, table, tenantKey, leaseFor)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *Client) tryClaimOne(ctx context.Context, table, tenantKey string, leaseFor time.Duration) (*Message, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewTransientError(fmt.Errorf("begin claim tx: %w", err), "queue read")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
SELECT handle, body, sequence_num
FROM %s
WHERE tenant_key = $1 AND visible_at <= now() AND (locked_until IS NULL OR locked_until < now())
ORDER BY sequence_num ASC, handle ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`, table), tenantKey)

	var msg Message
	msg.TenantKey = tenantKey
	var handle int64
	if err := row.Scan(&handle, &msg.Body, &msg.SequenceNum); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewTransientError(fmt.Errorf("claim message from %s: %w", table, err), "queue read")
	}
	msg.Handle = fmt.Sprintf("%d", handle)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET locked_until = $2 WHERE handle = $1`, table),
		handle, time.Now().Add(leaseFor)); err != nil {
		return nil, apperrors.NewTransientError(fmt.Errorf("lock message in %s: %w", table, err), "queue write")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewTransientError(fmt.Errorf("commit claim tx: %w", err), "queue write")
	}
	return &msg, nil
}

// ExtendLease resets a message's invisibility window, used while a
// long-running job keeps processing it.
func (c *Client) ExtendLease(ctx context.Context, kind Kind, handle string, seconds int) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET locked_until = $2 WHERE handle = $1`, tableFor(kind)),
		handle, time.Now().Add(time.Duration(seconds)*time.Second))
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("extend lease on %s: %w", kind, err), "queue write")
	}
	return nil
}

// Delete removes a message after terminal handling. It is also used to
// unblock a FIFO partition after preemption, so no further ordered
// deliveries stall behind a dead message.
func (c *Client) Delete(ctx context.Context, kind Kind, handle string) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE handle = $1`, tableFor(kind)), handle)
	if err != nil {
		return apperrors.NewTransientError(fmt.Errorf("delete from %s: %w", kind, err), "queue write")
	}
	return nil
}
