package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *componentLogger {
	return &componentLogger{
		mu:        &sync.Mutex{},
		out:       buf,
		component: "Worker",
		category:  CategoryService,
		now:       func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) },
	}
}

func TestComponentLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.Info("claimed tenant %s", "amelia#scott")

	line := buf.String()
	if !strings.HasPrefix(line, "2026-07-31 10:00:00 [INFO] [SERVICE] [Worker]") {
		t.Fatalf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "claimed tenant amelia#scott") {
		t.Fatalf("missing message: %q", line)
	}
	if strings.Contains(line, "log_id=") {
		t.Fatalf("expected no log_id segment: %q", line)
	}
}

func TestComponentLoggerWithLogID(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	tagged := l.With("job-123")
	tagged.Warn("lease expiring")

	if !strings.Contains(buf.String(), "[log_id=job-123]") {
		t.Fatalf("expected log_id segment: %q", buf.String())
	}
}

func TestOrNopWithNil(t *testing.T) {
	l := OrNop(nil)
	l.Info("should not panic")
	l.With("x").Error("still fine")
}

func TestOrNopPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	inner := newTestLogger(&buf)
	l := OrNop(inner)
	l.Info("hi")
	if buf.Len() == 0 {
		t.Fatal("expected underlying logger to be used")
	}
}
