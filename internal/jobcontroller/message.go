// Package jobcontroller owns the per-message lifecycle (C7): accepting a
// work message, driving the workspace/code-mod/build/publish/push
// pipeline through its collaborators, and handling preemption and
// unexpected failures with exactly one terminal orchestrator callback per
// message.
package jobcontroller

import "encoding/json"

// WorkMessage is a single instruction dequeued from a tenant's
// strict-ordered work queue.
type WorkMessage struct {
	TaskToken   string   `json:"taskToken"`
	MessageID   string   `json:"messageId"`
	ProjectID   string   `json:"projectId"`
	UserID      string   `json:"userId"`
	ThreadID    string   `json:"threadId"`
	Instruction string   `json:"instruction"`
	RepoURL     string   `json:"repoUrl"`
	Attachments []string `json:"attachments,omitempty"`
}

// UnmarshalWorkMessage decodes a work message body, falling back to the
// "text" alias for Instruction when "instruction" is absent.
func UnmarshalWorkMessage(body json.RawMessage) (WorkMessage, error) {
	var raw struct {
		WorkMessage
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return WorkMessage{}, err
	}
	msg := raw.WorkMessage
	if msg.Instruction == "" {
		msg.Instruction = raw.Text
	}
	return msg, nil
}

// PreemptMessage is delivered out-of-band on the tenant's preempt queue
// and may arrive at any point in a job's lifetime.
type PreemptMessage struct {
	Reason                string `json:"reason"`
	InterruptingMessageID string `json:"interruptingMessageId"`
	NewThreadID           string `json:"newThreadId"`
	Timestamp             int64  `json:"timestamp"`
}

// Result is the Job Result emitted as the orchestrator's success payload.
type Result struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"filesChanged"`
	BuildOk      bool     `json:"buildOk"`
	PublishOk    bool     `json:"publishOk"`
	PushOk       bool     `json:"pushOk"`
	PreviewURL   string   `json:"previewUrl,omitempty"`
	CostUSD      float64  `json:"cost"`
	DurationMs   int64    `json:"durationMs"`
	SessionID    string   `json:"sessionId,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	ErrorKind    string   `json:"errorKind,omitempty"`
}
