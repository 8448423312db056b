// Package workspace owns the local Git working tree for a tenant (C4):
// cloning/refreshing, safely switching branches, committing, and pushing
// with a rebase-then-merge escalation on conflict. Every Git invocation is
// shelled out to the git binary through internal/subprocess, treating Git
// itself the same way the worker treats the code-mod and build engines:
// an opaque external process.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/webordinary/edit-worker/internal/apperrors"
	"github.com/webordinary/edit-worker/internal/ids"
	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/subprocess"
)

// Manager drives the Git working tree rooted at Dir for a single tenant.
type Manager struct {
	Dir     string
	RepoURL string

	logger logging.Logger
}

// New resolves the workspace directory for (projectID, userID, repoURL)
// under root and returns a Manager for it. It does not touch the
// filesystem or the network; call Init to materialize the checkout.
func New(root, projectID, userID, repoURL string) *Manager {
	dir := ids.WorkDir(root, projectID, userID, repoURL)
	return &Manager{
		Dir:     dir,
		RepoURL: repoURL,
		logger:  logging.NewComponentLogger("WorkspaceManager"),
	}
}

// Init clones the repository if the workspace directory is missing or
// empty. If it already holds a checkout, it fetches and fast-forwards the
// remote default branch. If the clone fails (private or missing remote),
// it falls back to an empty repository with origin attached and a README
// commit, so the job can still proceed against a local-only history. A
// failure caused by ctx being cancelled mid-fetch or mid-clone is never
// mistaken for either of those outcomes: it is propagated as-is so the
// caller sees a cancellation, not a false success or a spurious
// initEmpty.
func (m *Manager) Init(ctx context.Context) error {
	empty, err := dirMissingOrEmpty(m.Dir)
	if err != nil {
		return apperrors.NewPermanentError(err, "inspect workspace directory")
	}

	if !empty {
		if err := m.fetchAndFastForward(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("existing workspace %s failed fetch/fast-forward, leaving checkout as-is", m.Dir)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.Dir), 0o755); err != nil {
		return apperrors.NewPermanentError(err, "create workspace parent directory")
	}

	if err := m.run(ctx, "", "clone", m.RepoURL, m.Dir); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	m.logger.Warn("clone of %s failed, initializing empty workspace", m.RepoURL)
	return m.initEmpty(ctx)
}

func (m *Manager) fetchAndFastForward(ctx context.Context) error {
	if err := m.run(ctx, m.Dir, "fetch", "origin"); err != nil {
		return err
	}
	branch, err := m.defaultBranch(ctx)
	if err != nil {
		return err
	}
	if err := m.run(ctx, m.Dir, "checkout", branch); err != nil {
		return err
	}
	return m.run(ctx, m.Dir, "merge", "--ff-only", "origin/"+branch)
}

// defaultBranch discovers the remote's default branch via ls-remote
// --heads, since the repo may not have been cloned with a HEAD symref
// available locally.
func (m *Manager) defaultBranch(ctx context.Context) (string, error) {
	out, err := m.output(ctx, m.Dir, "ls-remote", "--heads", "origin")
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, line := range strings.Split(out, "\n") {
		const marker = "refs/heads/"
		idx := strings.Index(line, marker)
		if idx == -1 {
			continue
		}
		candidates = append(candidates, strings.TrimSpace(line[idx+len(marker):]))
	}
	for _, preferred := range []string{"main", "master"} {
		for _, c := range candidates {
			if c == preferred {
				return c, nil
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return "", fmt.Errorf("no remote branches found for %s", m.RepoURL)
}

func (m *Manager) initEmpty(ctx context.Context) error {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return apperrors.NewPermanentError(err, "create empty workspace directory")
	}
	if err := m.run(ctx, m.Dir, "init"); err != nil {
		return apperrors.NewPermanentError(err, "git init empty workspace")
	}
	if err := m.run(ctx, m.Dir, "remote", "add", "origin", m.RepoURL); err != nil {
		return apperrors.NewPermanentError(err, "attach origin remote")
	}
	readme := filepath.Join(m.Dir, "README.md")
	if err := os.WriteFile(readme, []byte("# workspace\n\nInitialized because the remote repository could not be cloned.\n"), 0o644); err != nil {
		return apperrors.NewPermanentError(err, "write fallback README")
	}
	return m.Commit(ctx, "Initialize empty workspace", "")
}

// EnsureBranch switches to thread-<threadId> (already-prefixed IDs are not
// double-prefixed), creating it from the remote default branch if absent.
// A dirty working tree is stashed before the switch and popped after; if
// the pop conflicts, the stash is left intact for manual resolution and
// the branch switch still succeeds.
func (m *Manager) EnsureBranch(ctx context.Context, threadID string) error {
	target := ids.BranchName(threadID)

	dirty, err := m.HasChanges(ctx)
	if err != nil {
		return err
	}

	stashed := false
	if dirty {
		if err := m.run(ctx, m.Dir, "stash", "push", "-m", "edit-worker: switching to "+target); err != nil {
			return apperrors.NewTransientError(err, "stash before branch switch")
		}
		stashed = true
	}

	if err := m.run(ctx, m.Dir, "checkout", target); err != nil {
		defaultBranch, dbErr := m.defaultBranch(ctx)
		if dbErr != nil {
			return apperrors.NewTransientError(err, "checkout target branch and resolve default branch")
		}
		if err := m.run(ctx, m.Dir, "checkout", "-b", target, "origin/"+defaultBranch); err != nil {
			return apperrors.NewTransientError(err, "create target branch")
		}
	}

	if stashed {
		if err := m.run(ctx, m.Dir, "stash", "pop"); err != nil {
			m.logger.Warn("stash pop conflicted on %s, leaving stash for manual resolution", target)
		}
	}
	return nil
}

// HasChanges reports whether the working tree has uncommitted changes.
func (m *Manager) HasChanges(ctx context.Context) (bool, error) {
	out, err := m.output(ctx, m.Dir, "status", "--porcelain")
	if err != nil {
		return false, apperrors.NewTransientError(err, "git status")
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages all changes and commits them. It is a no-op if the
// working tree is clean. The body, if non-empty, is passed via a tempfile
// so arbitrary content (including the auto-resolve audit trailer from
// Push) survives shell-unsafe characters.
func (m *Manager) Commit(ctx context.Context, subject, body string) error {
	dirty, err := m.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	if err := m.run(ctx, m.Dir, "add", "-A"); err != nil {
		return apperrors.NewTransientError(err, "git add")
	}

	message := subject
	if body != "" {
		message = subject + "\n\n" + body
	}
	f, err := os.CreateTemp("", "edit-worker-commit-*.txt")
	if err != nil {
		return apperrors.NewPermanentError(err, "create commit message tempfile")
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(message); err != nil {
		f.Close()
		return apperrors.NewPermanentError(err, "write commit message tempfile")
	}
	f.Close()

	if err := m.run(ctx, m.Dir, "commit", "-F", f.Name()); err != nil {
		return apperrors.NewTransientError(err, "git commit")
	}
	return nil
}

// Push runs the safe-push algorithm: a plain push, falling back to a
// rebase-then-retry on non-fast-forward, and finally a merge with a
// local-wins auto-resolution if the rebase itself conflicts. An
// auto-resolved conflict is recorded in the resulting commit message.
func (m *Manager) Push(ctx context.Context, branch string) error {
	if err := m.run(ctx, m.Dir, "push", "origin", branch); err == nil {
		return nil
	}

	if err := m.run(ctx, m.Dir, "pull", "--rebase", "origin", branch); err == nil {
		if err := m.run(ctx, m.Dir, "push", "origin", branch); err == nil {
			return nil
		}
	}

	if err := m.run(ctx, m.Dir, "rebase", "--abort"); err != nil {
		m.logger.Debug("rebase --abort reported: %v (may be a no-op if no rebase was in progress)", err)
	}

	if err := m.run(ctx, m.Dir, "pull", "--no-rebase", "origin", branch); err != nil {
		// A conflicting merge exits non-zero and leaves the UU paths that
		// autoResolveOurs resolves; any other failure surfaces at the final
		// push.
		if ctx.Err() != nil {
			return apperrors.NewTransientError(err, "merge origin before auto-resolve")
		}
		m.logger.Debug("merge of origin/%s reported: %v", branch, err)
	}

	if err := m.autoResolveOurs(ctx); err != nil {
		return err
	}

	if err := m.Commit(ctx, "Merge origin/"+branch, "Auto-resolved conflicting paths in favor of local changes."); err != nil {
		return err
	}

	if err := m.run(ctx, m.Dir, "push", "origin", branch); err != nil {
		return apperrors.NewTransientError(err, "push after auto-resolve merge")
	}
	return nil
}

// autoResolveOurs resolves every unmerged ("UU") path by keeping the local
// version, per the safe-push algorithm's local-wins policy.
func (m *Manager) autoResolveOurs(ctx context.Context) error {
	out, err := m.output(ctx, m.Dir, "status", "--porcelain")
	if err != nil {
		return apperrors.NewTransientError(err, "list conflicted paths")
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "UU ") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "UU"))
		if path == "" {
			continue
		}
		if err := m.run(ctx, m.Dir, "checkout", "--ours", "--", path); err != nil {
			return apperrors.NewTransientError(err, "checkout --ours "+path)
		}
		if err := m.run(ctx, m.Dir, "add", "--", path); err != nil {
			return apperrors.NewTransientError(err, "stage auto-resolved "+path)
		}
	}
	return nil
}

// Recover aborts any in-progress merge, rebase, or cherry-pick. If
// conflicts remain afterward, it resets the tree hard as a last resort,
// discarding local changes.
func (m *Manager) Recover(ctx context.Context) error {
	_ = m.run(ctx, m.Dir, "merge", "--abort")
	_ = m.run(ctx, m.Dir, "rebase", "--abort")
	_ = m.run(ctx, m.Dir, "cherry-pick", "--abort")

	dirty, err := m.HasChanges(ctx)
	if err != nil {
		return err
	}
	out, err := m.output(ctx, m.Dir, "status", "--porcelain")
	if err != nil {
		return apperrors.NewTransientError(err, "git status during recover")
	}
	if dirty && strings.Contains(out, "UU ") {
		if err := m.run(ctx, m.Dir, "reset", "--hard", "HEAD"); err != nil {
			return apperrors.NewPermanentError(err, "reset --hard during recover")
		}
	}
	return nil
}

// run shells out to git and waits for it to exit. exec.CommandContext kills
// the process on ctx cancellation, but the wait error that produces (an
// exit/signal error from the killed process) does not itself unwrap to
// context.Canceled, so a cancellation is detected by consulting ctx
// directly rather than inspecting the subprocess error.
func (m *Manager) run(ctx context.Context, dir string, args ...string) error {
	sp := subprocess.New(subprocess.Config{Command: "git", Args: args, WorkingDir: dir})
	if err := sp.Start(ctx); err != nil {
		return fmt.Errorf("spawn git %v: %w", args, err)
	}
	waitErr := sp.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("git %v: %w", args, ctx.Err())
		}
		return fmt.Errorf("git %v: %w (stderr: %s)", args, waitErr, sp.StderrTail())
	}
	return nil
}

func (m *Manager) output(ctx context.Context, dir string, args ...string) (string, error) {
	sp := subprocess.New(subprocess.Config{Command: "git", Args: args, WorkingDir: dir})
	if err := sp.Start(ctx); err != nil {
		return "", fmt.Errorf("spawn git %v: %w", args, err)
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := sp.Stdout().Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	if err := sp.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %v: %w", args, ctx.Err())
		}
		return "", fmt.Errorf("git %v: %w (stderr: %s)", args, err, sp.StderrTail())
	}
	return sb.String(), nil
}

func dirMissingOrEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
