package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSucceedPostsToExpectedPath(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Succeed(context.Background(), "task-123", json.RawMessage(`{"success":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/tasks/task-123/succeed" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if !strings.Contains(string(gotBody), `"success":true`) {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}

func TestFailTruncatesOversizedFields(t *testing.T) {
	var gotCause string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotCause, _ = body["cause"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	hugeCause := strings.Repeat("x", maxCauseBytes+100)
	if err := c.Fail(context.Background(), "task-1", ErrorInternal, hugeCause); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotCause) != maxCauseBytes {
		t.Fatalf("expected cause truncated to %d bytes, got %d", maxCauseBytes, len(gotCause))
	}
}

func TestFailReturnsErrorOn5xxWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Fail(context.Background(), "task-1", ErrorBuildFailed, "boom")
	if err == nil {
		t.Fatal("expected error from a persistently failing callback endpoint")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one attempt (breaker does not retry within a single call), got %d", hits)
	}
}

func TestHeartbeatNeverReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Heartbeat(context.Background(), "task-1") // must not panic regardless of outcome
}
