package supervisor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webordinary/edit-worker/internal/claim"
	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/jobcontroller"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/testutil"
)

// fakeHandler records every Handle call and returns a canned error.
type fakeHandler struct {
	calls       int
	lastMsg     jobcontroller.WorkMessage
	returnErr   error
	preemptSeen *jobcontroller.PreemptMessage
}

func (f *fakeHandler) Handle(ctx context.Context, tenantKey string, msg jobcontroller.WorkMessage, leaseHandle string, preempt <-chan jobcontroller.PreemptMessage) error {
	f.calls++
	f.lastMsg = msg
	select {
	case p := <-preempt:
		f.preemptSeen = &p
		return jobcontroller.ErrPreempted
	default:
	}
	return f.returnErr
}

func newTestSupervisor(t *testing.T, handler JobHandler) (*Supervisor, *queue.Client) {
	t.Helper()
	pool, _, cleanup := testutil.NewPostgresTestPool(t)
	t.Cleanup(cleanup)

	claims := claim.NewRegistry(pool)
	q := queue.NewClient(pool)
	ctx := context.Background()
	if err := claims.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure claim schema: %v", err)
	}
	if err := q.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure queue schema: %v", err)
	}

	cfg := config.Config{
		ClaimTTL:        time.Minute,
		RefreshInterval: time.Hour, // long enough not to fire during the test
		IdleTimeout:     time.Hour,
		WorkPollWait:    1 * time.Second,
		PreemptPollWait: 1 * time.Second,
	}

	return New("worker-1", cfg, claims, q, handler), q
}

func TestTryClaimFromUnclaimedQueueClaimsAndDeletesOnSuccess(t *testing.T) {
	s, q := newTestSupervisor(t, &fakeHandler{})
	ctx := context.Background()

	req, _ := json.Marshal(ClaimRequest{ProjectID: "amelia", UserID: "scott", ThreadID: "t-1", MessageID: "m-1"})
	if err := q.Send(ctx, queue.KindUnclaimed, queue.UnclaimedTenantKey, req, 0); err != nil {
		t.Fatalf("seed unclaimed queue: %v", err)
	}

	tenantKey, ok, err := s.tryClaimFromUnclaimedQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("expected successful claim, got ok=%v err=%v", ok, err)
	}
	if tenantKey != "amelia#scott" {
		t.Fatalf("unexpected tenant key: %q", tenantKey)
	}

	msg, err := q.Receive(ctx, queue.KindUnclaimed, queue.UnclaimedTenantKey, 0, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != nil {
		t.Fatal("expected the claim request to have been deleted")
	}
}

func TestTryClaimFromUnclaimedQueueLeavesMessageWhenClaimFails(t *testing.T) {
	s, q := newTestSupervisor(t, &fakeHandler{})
	ctx := context.Background()

	tenantKey := "amelia#scott"
	if err := s.Claims.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := s.Claims.Claim(ctx, tenantKey, "other-worker", time.Minute); err != nil {
		t.Fatalf("seed competing claim: %v", err)
	}

	req, _ := json.Marshal(ClaimRequest{ProjectID: "amelia", UserID: "scott"})
	if err := q.Send(ctx, queue.KindUnclaimed, queue.UnclaimedTenantKey, req, 0); err != nil {
		t.Fatalf("seed unclaimed queue: %v", err)
	}

	_, ok, err := s.tryClaimFromUnclaimedQueue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected claim to fail since another worker already owns the tenant")
	}
}

func TestWorkPollerDeliversMessageToHandler(t *testing.T) {
	handler := &fakeHandler{}
	s, q := newTestSupervisor(t, handler)
	ctx, cancel := context.WithCancel(context.Background())

	tenantKey := "amelia#scott"
	body, _ := json.Marshal(jobcontroller.WorkMessage{TaskToken: "tok-1", Instruction: "fix the header"})
	if err := q.Send(ctx, queue.KindWork, tenantKey, body, 1); err != nil {
		t.Fatalf("seed work queue: %v", err)
	}

	done := make(chan struct{})
	var lastActivity atomic.Int64
	go func() {
		s.workPoller(ctx, tenantKey, &lastActivity, make(chan jobcontroller.PreemptMessage, 1))
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for handler.calls == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for handler to be invoked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if handler.lastMsg.TaskToken != "tok-1" {
		t.Fatalf("unexpected message delivered: %+v", handler.lastMsg)
	}
}
