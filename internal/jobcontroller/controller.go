package jobcontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/webordinary/edit-worker/internal/activejob"
	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/codemod"
	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/ids"
	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/metrics"
	"github.com/webordinary/edit-worker/internal/publish"
	"github.com/webordinary/edit-worker/internal/queue"
)

// ErrPreempted is returned by Handle when the job ended because a
// preempt signal arrived; the caller (C8) treats this as a cue to
// release tenancy.
var ErrPreempted = errors.New("jobcontroller: job preempted")

// ErrGitFailed is returned by run when the safe-push could not converge
// and the build/publish stages that preceded it didn't both succeed
// either, so the job as a whole cannot be reported as a success.
var ErrGitFailed = errors.New("jobcontroller: push failed after build/publish failure")

// Workspacer is the subset of workspace.Manager the controller drives.
// Defined as an interface so tests can substitute a fake without a real
// Git checkout.
type Workspacer interface {
	Init(ctx context.Context) error
	EnsureBranch(ctx context.Context, threadID string) error
	HasChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, subject, body string) error
	Push(ctx context.Context, branch string) error
	Recover(ctx context.Context) error
}

// CodeModRunner is the subset of codemod.Runner the controller drives.
type CodeModRunner interface {
	Run(ctx context.Context, workdir, instruction string) (*codemod.Result, error)
}

// Publisher is the subset of publish.Publisher the controller drives.
type Publisher interface {
	Run(ctx context.Context, localDir string) (*publish.Outcome, error)
}

// WorkspaceFactory builds the workspace manager for a single job, keyed
// by tenant identity and the resolved working directory.
type WorkspaceFactory func(projectID, userID, repoURL string) (Workspacer, string)

// PublisherFactory builds the publisher for a single job's working
// directory and target bucket.
type PublisherFactory func(workDir, bucket string) Publisher

// Controller is the Job Controller (C7): it owns the per-message
// lifecycle from accept through terminal callback.
type Controller struct {
	WorkerID string
	Config   config.Config

	Callback     *callback.Client
	ActiveJobs   *activejob.Store
	Queue        *queue.Client
	NewWorkspace WorkspaceFactory
	CodeMod      CodeModRunner
	NewPublisher PublisherFactory

	logger logging.Logger
}

// New constructs a Controller from its collaborators.
func New(workerID string, cfg config.Config, cb *callback.Client, jobs *activejob.Store, q *queue.Client,
	newWorkspace WorkspaceFactory, codeMod CodeModRunner, newPublisher PublisherFactory) *Controller {
	return &Controller{
		WorkerID:     workerID,
		Config:       cfg,
		Callback:     cb,
		ActiveJobs:   jobs,
		Queue:        q,
		NewWorkspace: newWorkspace,
		CodeMod:      codeMod,
		NewPublisher: newPublisher,
		logger:       logging.NewComponentLogger("JobController"),
	}
}

// timers bundles the heartbeat and lease-extender goroutines that must
// keep firing independently of the main work goroutine, even while it's
// blocked on a long subprocess.
type timers struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

func (t *timers) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Handle runs the full per-message lifecycle for msg. preempt delivers at
// most one PreemptMessage if C8's preempt poller observes one while this
// job is active; Handle must not ignore it once delivered. leaseHandle
// identifies msg within the work queue so it can be deleted on every
// terminal path.
func (c *Controller) Handle(ctx context.Context, tenantKey string, msg WorkMessage, leaseHandle string, preempt <-chan PreemptMessage) error {
	now := time.Now()
	defer func() { metrics.JobDuration.Observe(time.Since(now).Seconds()) }()
	if err := c.ActiveJobs.Begin(ctx, activejob.Record{
		TenantKey:   tenantKey,
		MessageID:   msg.MessageID,
		TaskToken:   msg.TaskToken,
		LeaseHandle: leaseHandle,
		ThreadID:    msg.ThreadID,
		WorkerID:    c.WorkerID,
		StartedAt:   now,
		TTLAt:       now.Add(c.Config.ClaimTTL),
	}); err != nil {
		return fmt.Errorf("begin active job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var preemptReason string
	var preemptMu sync.Mutex
	preemptDone := make(chan struct{})
	go func() {
		defer close(preemptDone)
		select {
		case p, ok := <-preempt:
			if !ok {
				return
			}
			preemptMu.Lock()
			preemptReason = p.Reason
			preemptMu.Unlock()
			cancel()
		case <-jobCtx.Done():
		}
	}()

	heartbeat := c.startHeartbeat(jobCtx, tenantKey, msg.TaskToken)
	leaseExtender := c.startLeaseExtender(jobCtx, leaseHandle)
	stopTimers := func() {
		heartbeat.Stop()
		leaseExtender.Stop()
	}

	result, err := c.run(jobCtx, tenantKey, msg)
	stopTimers()
	cancel()
	<-preemptDone

	preemptMu.Lock()
	reason := preemptReason
	preemptMu.Unlock()

	switch {
	case errors.Is(err, codemod.ErrInterrupted), errors.Is(err, context.Canceled) && reason != "":
		return c.finishPreempted(ctx, tenantKey, msg, leaseHandle, reason)
	case err != nil:
		return c.finishFailed(ctx, tenantKey, msg, leaseHandle, classify(err), err)
	}

	return c.finishSucceeded(ctx, tenantKey, msg, leaseHandle, result)
}

func (c *Controller) startHeartbeat(ctx context.Context, tenantKey, taskToken string) *timers {
	t := &timers{stop: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(c.Config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Callback.Heartbeat(ctx, taskToken)
				metrics.HeartbeatsSent.Inc()
				if err := c.ActiveJobs.Heartbeat(ctx, tenantKey, c.Config.ClaimTTL); err != nil {
					c.logger.Warn("active-job heartbeat failed for %s: %v", tenantKey, err)
				}
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

func (c *Controller) startLeaseExtender(ctx context.Context, leaseHandle string) *timers {
	t := &timers{stop: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(c.Config.LeaseExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				secs := int(c.Config.LeaseExtendFor / time.Second)
				if err := c.Queue.ExtendLease(ctx, queue.KindWork, leaseHandle, secs); err != nil {
					c.logger.Warn("lease extend failed for %s: %v", leaseHandle, err)
				} else {
					metrics.LeaseExtensions.Inc()
				}
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// runOutcome carries everything needed to build the Job Result and
// commit message once the pipeline completes.
type runOutcome struct {
	filesChanged []string
	sessionID    string
	costUSD      float64
	durationMs   int64
	buildOk      bool
	publishOk    bool
	pushOk       bool
	branch       string
}

func (c *Controller) run(ctx context.Context, tenantKey string, msg WorkMessage) (*runOutcome, error) {
	workspace, workdir := c.NewWorkspace(msg.ProjectID, msg.UserID, msg.RepoURL)

	if err := workspace.Init(ctx); err != nil {
		return nil, fmt.Errorf("workspace init: %w", err)
	}
	if err := workspace.EnsureBranch(ctx, msg.ThreadID); err != nil {
		return nil, fmt.Errorf("ensure branch: %w", err)
	}
	branch := ids.BranchName(msg.ThreadID)

	codeModResult, err := c.CodeMod.Run(ctx, workdir, msg.Instruction)
	if err != nil {
		if errors.Is(err, codemod.ErrInterrupted) {
			c.salvage(ctx, workspace, workdir, codeModResult, branch)
		}
		return nil, err
	}

	filesChanged, err := codemod.DetectFileChanges(ctx, workdir)
	if err != nil {
		return nil, fmt.Errorf("detect file changes: %w", err)
	}

	if len(filesChanged) > 0 {
		subject, body := FormatCommitMessage(CommitMessageInput{
			Instruction:  msg.Instruction,
			FilesChanged: filesChanged,
			SessionID:    codeModResult.SessionID,
			UserID:       msg.UserID,
		})
		if err := workspace.Commit(ctx, subject, body); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
	}

	publisher := c.NewPublisher(workdir, ids.BucketName(msg.ProjectID))
	outcome, err := publisher.Run(ctx, workdir)
	if err != nil {
		if outcome == nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
		// A failed build or sync does not fail the job: the result reports
		// buildOk/publishOk=false and the job still succeeds.
		c.logger.Warn("publish stage failed for %s: %v", tenantKey, err)
	}
	if outcome.Interrupted {
		c.salvage(ctx, workspace, workdir, codeModResult, branch)
		return nil, codemod.ErrInterrupted
	}

	pushOk := true
	if c.Config.GitPushEnabled {
		if err := workspace.Push(ctx, branch); err != nil {
			c.logger.Warn("push failed for %s: %v", tenantKey, err)
			pushOk = false
		}
	}
	if !pushOk && !(outcome.BuildOk && outcome.PublishOk) {
		return nil, ErrGitFailed
	}

	return &runOutcome{
		filesChanged: filesChanged,
		sessionID:    codeModResult.SessionID,
		costUSD:      codeModResult.CostUSD,
		durationMs:   codeModResult.DurationMs,
		buildOk:      outcome.BuildOk,
		publishOk:    outcome.PublishOk,
		pushOk:       pushOk,
		branch:       branch,
	}, nil
}

// salvage runs the best-effort recovery commit+push attempted on
// preemption or an interrupted publish stage: whatever was produced
// before the interrupt is still worth preserving.
func (c *Controller) salvage(ctx context.Context, ws Workspacer, workdir string, codeModResult *codemod.Result, branch string) {
	sessionID := ""
	var filesChanged []string
	if codeModResult != nil {
		sessionID = codeModResult.SessionID
		filesChanged = codeModResult.FilesChanged
	}
	if detected, err := codemod.DetectFileChanges(ctx, workdir); err == nil {
		filesChanged = detected
	}

	subject, body := FormatCommitMessage(CommitMessageInput{
		FilesChanged: filesChanged,
		SessionID:    sessionID,
		Interrupted:  true,
	})
	if err := ws.Commit(context.Background(), subject, body); err != nil {
		c.logger.Warn("salvage commit failed: %v", err)
		return
	}
	if err := ws.Push(context.Background(), branch); err != nil {
		c.logger.Warn("salvage push failed: %v", err)
	}
}

func (c *Controller) finishSucceeded(ctx context.Context, tenantKey string, msg WorkMessage, leaseHandle string, out *runOutcome) error {
	result := Result{
		Success:      true,
		Summary:      fmt.Sprintf("Applied %d file change(s)", len(out.filesChanged)),
		FilesChanged: out.filesChanged,
		BuildOk:      out.buildOk,
		PublishOk:    out.publishOk,
		PushOk:       out.pushOk,
		CostUSD:      out.costUSD,
		DurationMs:   out.durationMs,
		SessionID:    out.sessionID,
	}
	outputJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	if err := c.Callback.Succeed(ctx, msg.TaskToken, outputJSON); err != nil {
		c.logger.Warn("succeed callback failed for %s: %v", tenantKey, err)
	}
	metrics.JobsSucceeded.Inc()
	return c.cleanup(ctx, tenantKey, leaseHandle)
}

func (c *Controller) finishPreempted(ctx context.Context, tenantKey string, msg WorkMessage, leaseHandle, reason string) error {
	if reason == "" {
		reason = "preempted"
	}
	if err := c.Callback.Fail(ctx, msg.TaskToken, callback.ErrorPreempted, reason); err != nil {
		c.logger.Warn("fail(PREEMPTED) callback failed for %s: %v", tenantKey, err)
	}
	metrics.JobsPreempted.Inc()
	if err := c.cleanup(ctx, tenantKey, leaseHandle); err != nil {
		return err
	}
	return ErrPreempted
}

func (c *Controller) finishFailed(ctx context.Context, tenantKey string, msg WorkMessage, leaseHandle string, code callback.ErrorCode, cause error) error {
	if err := c.Callback.Fail(ctx, msg.TaskToken, code, cause.Error()); err != nil {
		c.logger.Warn("fail callback failed for %s: %v", tenantKey, err)
	}
	metrics.JobsFailed.WithLabelValues(string(code)).Inc()
	if cleanupErr := c.cleanup(ctx, tenantKey, leaseHandle); cleanupErr != nil {
		return cleanupErr
	}
	return cause
}

func (c *Controller) cleanup(ctx context.Context, tenantKey, leaseHandle string) error {
	if err := c.Queue.Delete(ctx, queue.KindWork, leaseHandle); err != nil {
		c.logger.Warn("delete work message failed for %s: %v", tenantKey, err)
	}
	if err := c.ActiveJobs.End(ctx, tenantKey); err != nil {
		return fmt.Errorf("clear active job: %w", err)
	}
	return nil
}

func classify(err error) callback.ErrorCode {
	switch {
	case errors.Is(err, codemod.ErrSpawnFailed):
		return callback.ErrorExecSpawn
	case errors.Is(err, codemod.ErrExecFailed):
		return callback.ErrorExecFailed
	case errors.Is(err, ErrGitFailed):
		return callback.ErrorGitFailed
	default:
		return callback.ErrorInternal
	}
}
