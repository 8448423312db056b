package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// newBareRemote creates a bare repo with one commit on "main" and returns
// its filesystem path, usable as a clone/push target in tests.
func newBareRemote(t *testing.T) string {
	t.Helper()
	remote := t.TempDir()
	runGit(t, remote, "init", "--bare", "-b", "main")

	seed := t.TempDir()
	runGit(t, seed, "init", "-b", "main")
	runGit(t, seed, "remote", "add", "origin", remote)
	if err := os.WriteFile(filepath.Join(seed, "index.html"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "seed")
	runGit(t, seed, "push", "origin", "main")
	return remote
}

func TestInitClonesExistingRepo(t *testing.T) {
	remote := newBareRemote(t)
	root := t.TempDir()

	m := New(root, "proj", "user", remote)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Dir, "index.html")); err != nil {
		t.Fatalf("expected cloned file, got: %v", err)
	}
}

func TestInitFallsBackToEmptyRepoOnCloneFailure(t *testing.T) {
	root := t.TempDir()
	m := New(root, "proj", "user", filepath.Join(t.TempDir(), "does-not-exist.git"))
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Dir, "README.md")); err != nil {
		t.Fatalf("expected fallback README, got: %v", err)
	}
	dirty, err := m.HasChanges(context.Background())
	if err != nil {
		t.Fatalf("has changes: %v", err)
	}
	if dirty {
		t.Fatal("expected README commit to leave a clean tree")
	}
}

func TestEnsureBranchCreatesThreadBranch(t *testing.T) {
	remote := newBareRemote(t)
	root := t.TempDir()
	m := New(root, "proj", "user", remote)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.EnsureBranch(context.Background(), "abc123"); err != nil {
		t.Fatalf("ensure branch: %v", err)
	}

	out, err := m.output(context.Background(), m.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if strings.TrimSpace(out) != "thread-abc123" {
		t.Fatalf("expected thread-abc123, got %q", out)
	}
}

func TestEnsureBranchReusesExistingBranch(t *testing.T) {
	remote := newBareRemote(t)
	root := t.TempDir()
	m := New(root, "proj", "user", remote)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.EnsureBranch(context.Background(), "thread-xyz"); err != nil {
		t.Fatalf("ensure branch (create): %v", err)
	}
	if err := m.run(context.Background(), m.Dir, "checkout", "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	if err := m.EnsureBranch(context.Background(), "thread-xyz"); err != nil {
		t.Fatalf("ensure branch (reuse): %v", err)
	}
	out, err := m.output(context.Background(), m.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if strings.TrimSpace(out) != "thread-xyz" {
		t.Fatalf("expected thread-xyz (no double prefix), got %q", out)
	}
}

func TestCommitIsNoOpWhenClean(t *testing.T) {
	remote := newBareRemote(t)
	root := t.TempDir()
	m := New(root, "proj", "user", remote)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	before, err := m.output(context.Background(), m.Dir, "rev-parse", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if err := m.Commit(context.Background(), "no-op", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	after, err := m.output(context.Background(), m.Dir, "rev-parse", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if before != after {
		t.Fatalf("expected HEAD unchanged on no-op commit")
	}
}

func TestPushSucceedsOnCleanFastForward(t *testing.T) {
	remote := newBareRemote(t)
	root := t.TempDir()
	m := New(root, "proj", "user", remote)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.EnsureBranch(context.Background(), "feature"); err != nil {
		t.Fatalf("ensure branch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir, "new.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(context.Background(), "add new.txt", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := m.Push(context.Background(), "thread-feature"); err != nil {
		t.Fatalf("push: %v", err)
	}
}
