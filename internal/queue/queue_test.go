package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/webordinary/edit-worker/internal/testutil"
)

func TestTableForKnownKinds(t *testing.T) {
	if got := tableFor(KindWork); got != "work_queue_messages" {
		t.Fatalf("tableFor(work) = %q", got)
	}
	if got := tableFor(KindPreempt); got != "preempt_queue_messages" {
		t.Fatalf("tableFor(preempt) = %q", got)
	}
}

// TestWorkQueueStrictOrdering exercises the real conditional SQL against a
// live database; it is skipped when EDIT_WORKER_TEST_DATABASE_URL is unset.
func TestWorkQueueStrictOrdering(t *testing.T) {
	pool, _, cleanup := testutil.NewPostgresTestPool(t)
	defer cleanup()

	c := NewClient(pool)
	ctx := context.Background()
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	tenant := "amelia#scott"
	for i, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := c.Send(ctx, KindWork, tenant, json.RawMessage(body), int64(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		msg, err := c.Receive(ctx, KindWork, tenant, 1, time.Minute)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("expected message %d, got none", i)
		}
		if msg.SequenceNum != int64(i) {
			t.Fatalf("expected sequence %d, got %d", i, msg.SequenceNum)
		}
		if err := c.Delete(ctx, KindWork, msg.Handle); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}

	msg, err := c.Receive(ctx, KindWork, tenant, 1, time.Minute)
	if err != nil {
		t.Fatalf("receive after drain: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected queue drained, got %+v", msg)
	}
}
