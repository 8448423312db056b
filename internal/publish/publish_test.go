package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFakeTool(t *testing.T, script string) (command string, args []string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh", []string{path}
}

func TestBuilderReportsOkOnZeroExit(t *testing.T) {
	cmd, args := writeFakeTool(t, "exit 0")
	b := &Builder{Command: cmd, Args: args}
	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Ok {
		t.Fatal("expected Ok=true on zero exit")
	}
}

func TestBuilderReportsNotOkOnNonZeroExit(t *testing.T) {
	cmd, args := writeFakeTool(t, "echo 'build broke' 1>&2; exit 1")
	b := &Builder{Command: cmd, Args: args}
	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error (a failed build is not fatal): %v", err)
	}
	if result.Ok {
		t.Fatal("expected Ok=false on non-zero exit")
	}
}

func TestBuilderReportsInterruptedOnContextCancel(t *testing.T) {
	cmd, args := writeFakeTool(t, "trap 'exit 0' INT; sleep 30")
	b := &Builder{Command: cmd, Args: args}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Interrupted {
		t.Fatal("expected Interrupted=true")
	}
}

func TestCLISyncerCountsUploadAndDeleteLines(t *testing.T) {
	script := `
cat <<'EOF'
upload: dist/index.html to s3://bucket/index.html
upload: dist/style.css to s3://bucket/style.css
delete: s3://bucket/old.html
EOF
`
	cmd, args := writeFakeTool(t, script)
	s := &CLISyncer{Command: cmd, Args: args}
	stats, err := s.Sync(context.Background(), t.TempDir(), "bucket")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Uploaded != 2 || stats.Deleted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPublisherSkipsSyncWhenBuildFails(t *testing.T) {
	cmd, args := writeFakeTool(t, "exit 1")
	p := &Publisher{
		Builder: &Builder{Command: cmd, Args: args},
		Syncer:  failingSyncer{},
		Bucket:  "bucket",
	}
	outcome, err := p.Run(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.BuildOk {
		t.Fatal("expected BuildOk=false")
	}
	if outcome.PublishOk {
		t.Fatal("expected sync to be skipped, PublishOk should stay false")
	}
}

type failingSyncer struct{}

func (failingSyncer) Sync(ctx context.Context, localDir, bucket string) (*SyncStats, error) {
	panic("sync must not be called when the build fails")
}
