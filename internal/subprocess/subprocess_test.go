package subprocess

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"
)

func TestSubprocessCapturesStdout(t *testing.T) {
	s := New(Config{Command: "echo", Args: []string{"hello worker"}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	scanner := bufio.NewScanner(s.Stdout())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(lines) != 1 || lines[0] != "hello worker" {
		t.Fatalf("unexpected output: %v", lines)
	}
}

func TestSubprocessStopSendsSIGINT(t *testing.T) {
	s := New(Config{Command: "sh", Args: []string{"-c", "trap 'exit 0' INT; sleep 30"}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("Stop did not return within the bounded wait")
	}
}

func TestSubprocessStopEscalatesToSigkill(t *testing.T) {
	s := New(Config{Command: "sh", Args: []string{"-c", "trap '' INT; sleep 30"}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let sh install the trap before SIGINT arrives

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Fatalf("expected Stop to wait out the bound before escalating, took %v", elapsed)
	}
}

func TestSubprocessStderrTail(t *testing.T) {
	s := New(Config{Command: "sh", Args: []string{"-c", "echo boom 1>&2"}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.Contains(s.StderrTail(), "boom") {
		t.Fatalf("StderrTail() = %q, want to contain boom", s.StderrTail())
	}
}

func TestPIDBeforeStartIsZero(t *testing.T) {
	s := New(Config{Command: "true"})
	if s.PID() != 0 {
		t.Fatalf("expected 0 PID before Start, got %d", s.PID())
	}
}
