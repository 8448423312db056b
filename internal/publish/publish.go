// Package publish implements the two-stage site publisher (C6): a build
// subprocess followed by a sync of the built tree to object storage, both
// cancellable on a preempt signal the same way the code-mod engine is.
package publish

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/subprocess"
)

// BuildResult reports the outcome of the build stage.
type BuildResult struct {
	Ok          bool
	Interrupted bool
	StderrTail  string
}

// Builder runs the site's production build as a cancellable subprocess.
type Builder struct {
	Command    string
	Args       []string
	WorkingDir string

	logger logging.Logger
}

// NewBuilder constructs a Builder that runs `npm run build` in dir with a
// production environment.
func NewBuilder(dir string) *Builder {
	return &Builder{
		Command:    "npm",
		Args:       []string{"run", "build"},
		WorkingDir: dir,
		logger:     logging.NewComponentLogger("Publisher/Build"),
	}
}

// Run executes the build. A non-zero, non-interrupt exit is reported as
// Ok=false rather than an error: a failed build is not fatal to the
// surrounding job, since the commit may still push.
func (b *Builder) Run(ctx context.Context) (*BuildResult, error) {
	proc := subprocess.New(subprocess.Config{
		Command:    b.Command,
		Args:       b.Args,
		WorkingDir: b.WorkingDir,
		Env:        map[string]string{"NODE_ENV": "production"},
	})
	if err := proc.Start(ctx); err != nil {
		return &BuildResult{Ok: false}, err
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			if proc.Interrupted() {
				return &BuildResult{Ok: false, Interrupted: true, StderrTail: proc.StderrTail()}, nil
			}
			b.logger.Warn("build exited non-zero: %v", err)
			return &BuildResult{Ok: false, StderrTail: proc.StderrTail()}, nil
		}
		return &BuildResult{Ok: true}, nil
	case <-ctx.Done():
		_ = proc.Stop()
		<-done
		return &BuildResult{Ok: false, Interrupted: true, StderrTail: proc.StderrTail()}, nil
	}
}

// SyncStats counts the objects touched by a sync, parsed from the
// underlying tool's output for use as metrics.
type SyncStats struct {
	Uploaded int
	Deleted  int
}

// Syncer mirrors a local directory to an object-storage location,
// deleting objects that no longer have a local counterpart.
type Syncer interface {
	Sync(ctx context.Context, localDir, bucket string) (*SyncStats, error)
}

// CLISyncer shells out to an external sync tool (by default an `aws s3
// sync --delete`-shaped command) and is tracked as a cancellable
// subprocess exactly like the builder. Its stdout is expected to report
// one "upload: ..." or "delete: ..." line per object touched, the same
// convention the AWS CLI's s3 sync uses; SyncStats counts occurrences of
// each rather than parsing the tool-specific remainder of each line.
type CLISyncer struct {
	Command string
	Args    []string

	logger logging.Logger
}

// NewCLISyncer builds a CLISyncer using the AWS CLI's sync command with
// deletion of stale destination objects enabled; the bucket is given to
// each Sync call.
func NewCLISyncer() *CLISyncer {
	return &CLISyncer{
		Command: "aws",
		logger:  logging.NewComponentLogger("Publisher/Sync"),
	}
}

// Sync mirrors localDir/dist to s3://bucket. A mid-sync cancellation
// leaves a partially uploaded bucket; the caller treats that as
// publishOk=false without failing the surrounding job.
func (s *CLISyncer) Sync(ctx context.Context, localDir, bucket string) (*SyncStats, error) {
	args := s.Args
	if len(args) == 0 {
		args = []string{"s3", "sync", filepath.Join(localDir, "dist"), "s3://" + bucket, "--delete"}
	}
	proc := subprocess.New(subprocess.Config{Command: s.Command, Args: args})
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	stats := &SyncStats{}
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(proc.Stdout())
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.Contains(line, "upload:"):
				stats.Uploaded++
			case strings.Contains(line, "delete:"):
				stats.Deleted++
			}
		}
	}()

	select {
	case <-scanDone:
		if err := proc.Wait(); err != nil && !proc.Interrupted() {
			return stats, err
		}
		return stats, nil
	case <-ctx.Done():
		_ = proc.Stop()
		<-scanDone
		_ = proc.Wait()
		return stats, nil
	}
}

// Publisher drives the build-then-sync pipeline for a single job.
type Publisher struct {
	Builder *Builder
	Syncer  Syncer
	Bucket  string
}

// New constructs a Publisher for workDir's dist tree against bucket,
// using the default npm build and CLI sync backends.
func New(workDir, bucket string) *Publisher {
	return &Publisher{
		Builder: NewBuilder(workDir),
		Syncer:  NewCLISyncer(),
		Bucket:  bucket,
	}
}

// Outcome is the combined build+sync result fed into the job result.
type Outcome struct {
	BuildOk     bool
	PublishOk   bool
	Interrupted bool
	Stats       SyncStats
}

// Run executes the build stage and, if it succeeds (or was interrupted
// but produced partial output), attempts a best-effort sync.
func (p *Publisher) Run(ctx context.Context, localDir string) (*Outcome, error) {
	build, err := p.Builder.Run(ctx)
	if err != nil {
		return &Outcome{BuildOk: false}, err
	}

	outcome := &Outcome{BuildOk: build.Ok, Interrupted: build.Interrupted}
	if build.Interrupted {
		// ctx is already cancelled, so the sync of whatever the build
		// produced runs on its own short deadline; it never counts as a
		// successful publish.
		const partialSyncTimeout = 5 * time.Second
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), partialSyncTimeout)
		defer cancel()
		if stats, _ := p.Syncer.Sync(syncCtx, localDir, p.Bucket); stats != nil {
			outcome.Stats = *stats
		}
		return outcome, nil
	}
	if !build.Ok {
		return outcome, nil
	}

	stats, err := p.Syncer.Sync(ctx, localDir, p.Bucket)
	if stats != nil {
		outcome.Stats = *stats
	}
	if err != nil {
		outcome.PublishOk = false
		return outcome, err
	}
	if ctx.Err() != nil {
		outcome.PublishOk = false
		outcome.Interrupted = true
		return outcome, nil
	}
	outcome.PublishOk = true
	return outcome, nil
}
