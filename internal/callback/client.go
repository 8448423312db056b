// Package callback implements the Orchestrator Callback Client (C3): the
// only channel through which a job reports progress and outcome, keyed
// exclusively by the opaque taskToken from the work message.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/webordinary/edit-worker/internal/apperrors"
	"github.com/webordinary/edit-worker/internal/logging"
)

// ErrorCode is one of the orchestrator-recognized failure kinds.
type ErrorCode string

const (
	ErrorPreempted     ErrorCode = "PREEMPTED"
	ErrorExecSpawn     ErrorCode = "EXEC_SPAWN"
	ErrorExecFailed    ErrorCode = "EXEC_FAILED"
	ErrorBuildFailed   ErrorCode = "BUILD_FAILED"
	ErrorPublishFailed ErrorCode = "PUBLISH_FAILED"
	ErrorGitFailed     ErrorCode = "GIT_FAILED"
	ErrorInternal      ErrorCode = "INTERNAL"
)

const (
	maxErrorCodeLen   = 256
	maxCauseBytes     = 32 * 1024
	defaultRPCTimeout = 5 * time.Second
)

// Client talks to the orchestrator over JSON-over-HTTP, keyed by
// taskToken. No generic REST client dependency appears anywhere in the
// example corpus, so this is deliberately built on stdlib net/http (see
// DESIGN.md).
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *apperrors.CircuitBreaker
	logger     logging.Logger
}

// NewClient constructs a Client against baseURL (e.g.
// "https://orchestrator.internal").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRPCTimeout},
		breaker: apperrors.NewCircuitBreaker("orchestrator-callback", apperrors.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}),
		logger: logging.NewComponentLogger("CallbackClient"),
	}
}

// Heartbeat reports that a job is still in-flight. Failures are logged
// but never surfaced: the orchestrator reconciles on timeout.
func (c *Client) Heartbeat(ctx context.Context, taskToken string) {
	if err := c.post(ctx, "/tasks/"+taskToken+"/heartbeat", nil); err != nil {
		c.logger.Warn("heartbeat callback failed: token=%s err=%v", taskToken, err)
	}
}

// Succeed emits the single terminal success callback for a job.
// outputJSON is the Job Result (§3.1), already JSON-encoded.
func (c *Client) Succeed(ctx context.Context, taskToken string, outputJSON json.RawMessage) error {
	return c.post(ctx, "/tasks/"+taskToken+"/succeed", map[string]any{"output": outputJSON})
}

// Fail emits the single terminal failure callback for a job.
func (c *Client) Fail(ctx context.Context, taskToken string, code ErrorCode, cause string) error {
	if len(code) > maxErrorCodeLen {
		code = code[:maxErrorCodeLen]
	}
	if len(cause) > maxCauseBytes {
		cause = cause[:maxCauseBytes]
	}
	return c.post(ctx, "/tasks/"+taskToken+"/fail", map[string]any{"errorCode": code, "cause": cause})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode callback payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
		if err != nil {
			return apperrors.NewPermanentError(err, "build callback request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperrors.NewTransientError(err, "callback request failed")
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			return apperrors.NewTransientError(fmt.Errorf("callback %s: status %d", path, resp.StatusCode), "callback server error")
		}
		if resp.StatusCode >= 400 {
			return apperrors.NewPermanentError(fmt.Errorf("callback %s: status %d", path, resp.StatusCode), "callback rejected")
		}
		return nil
	})
}
