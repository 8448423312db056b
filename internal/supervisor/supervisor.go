// Package supervisor implements the Tenancy Supervisor (C8): the
// process-level controller that claims a tenant from the shared unclaimed
// queue, runs the owned loop (work poller, preempt poller, idle/TTL
// refresher) for as long as it holds the claim, then releases it and goes
// back to looking for the next tenant.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webordinary/edit-worker/internal/apperrors"
	"github.com/webordinary/edit-worker/internal/claim"
	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/ids"
	"github.com/webordinary/edit-worker/internal/jobcontroller"
	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/metrics"
	"github.com/webordinary/edit-worker/internal/queue"
)

// unclaimedLeaseFor and preemptLeaseFor bound how long a received-but-not-
// yet-deleted message stays invisible to other workers; short enough that
// a crash doesn't strand work for long.
const (
	unclaimedLeaseFor = 30 * time.Second
	workLeaseFor      = 30 * time.Second
	preemptLeaseFor   = 10 * time.Second
	idleCheckInterval = 60 * time.Second
)

// ClaimRequest is the payload of a CLAIM_REQUEST message on the shared
// unclaimed queue.
type ClaimRequest struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

// JobHandler is the subset of jobcontroller.Controller the supervisor
// drives, narrowed to an interface so tests can substitute a fake.
type JobHandler interface {
	Handle(ctx context.Context, tenantKey string, msg jobcontroller.WorkMessage, leaseHandle string, preempt <-chan jobcontroller.PreemptMessage) error
}

// Supervisor is the Tenancy Supervisor (C8).
type Supervisor struct {
	WorkerID string
	Config   config.Config

	Claims     *claim.Registry
	Queue      *queue.Client
	Controller JobHandler

	logger logging.Logger
}

// New constructs a Supervisor from its collaborators.
func New(workerID string, cfg config.Config, claims *claim.Registry, q *queue.Client, controller JobHandler) *Supervisor {
	return &Supervisor{
		WorkerID:   workerID,
		Config:     cfg,
		Claims:     claims,
		Queue:      q,
		Controller: controller,
		logger:     logging.NewComponentLogger("Supervisor"),
	}
}

// Run executes the top loop until ctx is cancelled: claim a tenant, run
// its owned loop to completion, release the claim, repeat.
func (s *Supervisor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		tenantKey, ok, err := s.tryClaimFromUnclaimedQueue(ctx)
		if err != nil {
			s.logger.Warn("claim acquisition failed: %v", err)
			continue
		}
		if !ok {
			continue
		}

		s.logger.Info("claimed tenant %s", tenantKey)
		metrics.ClaimsAcquired.Inc()
		metrics.ActiveTenant.Set(1)
		s.ownedLoop(ctx, tenantKey)
		metrics.ActiveTenant.Set(0)

		if err := s.Claims.Release(ctx, tenantKey, s.WorkerID); err != nil {
			s.logger.Warn("release claim failed for %s: %v", tenantKey, err)
		} else {
			s.logger.Info("released tenant %s", tenantKey)
			metrics.ClaimsReleased.Inc()
		}
	}
}

// tryClaimFromUnclaimedQueue implements spec.md §4.8.1: pop one
// CLAIM_REQUEST, attempt the claim, and only delete the request if the
// claim succeeded. Transient registry/queue errors (a Postgres blip) are
// retried here with exponential backoff rather than propagated straight
// back to Run's top loop, which would otherwise busy-spin against a down
// database.
func (s *Supervisor) tryClaimFromUnclaimedQueue(ctx context.Context) (string, bool, error) {
	var msg *queue.Message
	err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig(), func(ctx context.Context) error {
		m, err := s.Queue.Receive(ctx, queue.KindUnclaimed, queue.UnclaimedTenantKey,
			int(s.Config.WorkPollWait/time.Second), unclaimedLeaseFor)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if msg == nil {
		return "", false, nil
	}

	var req ClaimRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		s.logger.Warn("dropping malformed claim request: %v", err)
		_ = s.Queue.Delete(ctx, queue.KindUnclaimed, msg.Handle)
		return "", false, nil
	}

	tenantKey := ids.TenantKey(req.ProjectID, req.UserID)
	var claimed bool
	err = apperrors.Retry(ctx, apperrors.DefaultRetryConfig(), func(ctx context.Context) error {
		c, err := s.Claims.Claim(ctx, tenantKey, s.WorkerID, s.Config.ClaimTTL)
		if err != nil {
			return err
		}
		claimed = c
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !claimed {
		// Leave the message for its lease to expire so another worker can
		// retry the claim.
		return "", false, nil
	}

	if err := s.Queue.Delete(ctx, queue.KindUnclaimed, msg.Handle); err != nil {
		s.logger.Warn("delete claim request failed for %s: %v", tenantKey, err)
	}
	return tenantKey, true, nil
}

// ownedLoop implements spec.md §4.8.2: three independent activities, plus
// the shutdown watcher from §4.8.3, coordinating through a shared cancel,
// a shared lastWorkActivity timestamp, and a single-slot preempt channel.
// It returns once any of them decides ownership should end.
func (s *Supervisor) ownedLoop(ctx context.Context, tenantKey string) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	preempted := make(chan jobcontroller.PreemptMessage, 1)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.workPoller(loopCtx, tenantKey, &lastActivity, preempted) }()
	go func() { defer wg.Done(); s.preemptPoller(loopCtx, tenantKey, preempted, cancel) }()
	go func() { defer wg.Done(); s.idleAndTTLRefresher(loopCtx, tenantKey, &lastActivity, cancel) }()
	go func() { defer wg.Done(); s.shutdownWatcher(ctx, loopCtx, preempted, cancel) }()
	wg.Wait()
}

// shutdownWatcher implements spec.md §4.8.3: a process-level SIGTERM/SIGINT
// surfaces as cancellation of ctx, the outer signal-derived context, as
// opposed to loopCtx which this package also cancels internally on
// preempt/idle/lost-claim. On that specific cancellation it synthesizes a
// preempt event with reason "shutdown" so a job in flight salvages and
// reports PREEMPTED rather than failing as INTERNAL. When the owned loop
// ends for any other reason it returns without sending anything.
func (s *Supervisor) shutdownWatcher(ctx, loopCtx context.Context, preempted chan jobcontroller.PreemptMessage, cancel context.CancelFunc) {
	<-loopCtx.Done()
	if ctx.Err() == nil {
		return
	}
	select {
	case preempted <- jobcontroller.PreemptMessage{Reason: "shutdown"}:
	default:
	}
	cancel()
}

// workPoller is activity (a): long-poll the tenant work queue and hand
// messages to the job controller synchronously, one at a time.
func (s *Supervisor) workPoller(ctx context.Context, tenantKey string, lastActivity *atomic.Int64, preempted chan jobcontroller.PreemptMessage) {
	for ctx.Err() == nil {
		msg, err := s.Queue.Receive(ctx, queue.KindWork, tenantKey, int(s.Config.WorkPollWait/time.Second), workLeaseFor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("work poll failed for %s: %v", tenantKey, err)
			continue
		}
		if msg == nil {
			continue
		}

		workMsg, err := jobcontroller.UnmarshalWorkMessage(msg.Body)
		if err != nil {
			s.logger.Error("dropping malformed work message for %s: %v", tenantKey, err)
			_ = s.Queue.Delete(ctx, queue.KindWork, msg.Handle)
			continue
		}

		lastActivity.Store(time.Now().UnixNano())
		err = s.Controller.Handle(ctx, tenantKey, workMsg, msg.Handle, preempted)
		lastActivity.Store(time.Now().UnixNano())

		if errors.Is(err, jobcontroller.ErrPreempted) {
			return
		}
		if err != nil {
			s.logger.Warn("job failed for %s: %v", tenantKey, err)
		}
	}
}

// preemptPoller is activity (b): short-poll the tenant preempt queue. On
// message, it delivers the preempt event (the job controller picks it up
// whether a job is currently in flight or about to be accepted), deletes
// the message, and ends the owned loop: releasing ownership is a consequence
// of preemption, not a separate decision.
func (s *Supervisor) preemptPoller(ctx context.Context, tenantKey string, preempted chan jobcontroller.PreemptMessage, cancel context.CancelFunc) {
	for ctx.Err() == nil {
		msg, err := s.Queue.Receive(ctx, queue.KindPreempt, tenantKey, int(s.Config.PreemptPollWait/time.Second), preemptLeaseFor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("preempt poll failed for %s: %v", tenantKey, err)
			continue
		}
		if msg == nil {
			continue
		}

		var pm jobcontroller.PreemptMessage
		if err := json.Unmarshal(msg.Body, &pm); err != nil {
			s.logger.Error("dropping malformed preempt message for %s: %v", tenantKey, err)
			_ = s.Queue.Delete(ctx, queue.KindPreempt, msg.Handle)
			continue
		}

		select {
		case preempted <- pm:
		default:
		}
		if err := s.Queue.Delete(ctx, queue.KindPreempt, msg.Handle); err != nil {
			s.logger.Warn("delete preempt message failed for %s: %v", tenantKey, err)
		}
		cancel()
		return
	}
}

// idleAndTTLRefresher is activity (c): refresh the claim on
// Config.RefreshInterval, and exit the owned loop once idle time exceeds
// Config.IdleTimeout.
func (s *Supervisor) idleAndTTLRefresher(ctx context.Context, tenantKey string, lastActivity *atomic.Int64, cancel context.CancelFunc) {
	refreshTicker := time.NewTicker(s.Config.RefreshInterval)
	defer refreshTicker.Stop()
	idleTicker := time.NewTicker(idleCheckInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			ok, err := s.Claims.Refresh(ctx, tenantKey, s.WorkerID, s.Config.ClaimTTL)
			if err != nil {
				s.logger.Warn("claim refresh failed for %s: %v", tenantKey, err)
				continue
			}
			if !ok {
				s.logger.Warn("lost claim on %s (refresh found no matching row)", tenantKey)
				metrics.ClaimsLost.Inc()
				cancel()
				return
			}
		case <-idleTicker.C:
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) > s.Config.IdleTimeout {
				s.logger.Info("releasing idle tenant %s after %s", tenantKey, time.Since(last))
				cancel()
				return
			}
		}
	}
}
