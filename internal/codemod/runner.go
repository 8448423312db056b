// Package codemod invokes the external code-modification engine as a
// child process (C5). The engine is treated as opaque: the runner hands
// it an instruction and a working directory over stdin and consumes a
// stream of tagged JSONL events from stdout, mirroring the pack's
// existing JSONL-over-subprocess bridge executor rather than inventing a
// new process-interop shape.
package codemod

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/subprocess"
)

// ErrSpawnFailed, ErrExecFailed, and ErrInterrupted classify Run's
// failure modes for the caller (C7), which maps them to orchestrator
// error codes EXEC_SPAWN, EXEC_FAILED, and PREEMPTED respectively.
var (
	ErrSpawnFailed = errors.New("codemod: subprocess spawn failed")
	ErrExecFailed  = errors.New("codemod: subprocess exited non-zero")
	ErrInterrupted = errors.New("codemod: interrupted")
)

// DefaultAllowedTools is the tool allow-list passed to the engine: file
// read, file write, file edit, shell exec, text search, directory
// listing, glob.
var DefaultAllowedTools = []string{"read_file", "write_file", "edit_file", "exec", "search_text", "list_dir", "glob"}

// Config bounds a single invocation of the code-mod engine.
type Config struct {
	Command          string
	Args             []string
	MaxTurns         int
	OutputTokenCap   int
	ThinkingTokenCap int
	AllowedTools     []string
}

// DefaultConfig returns the default engine bounds: 3 turns, 4096-token
// output cap, 1024-token thinking cap.
func DefaultConfig(command string, args ...string) Config {
	return Config{
		Command:          command,
		Args:             args,
		MaxTurns:         3,
		OutputTokenCap:   4096,
		ThinkingTokenCap: 1024,
		AllowedTools:     DefaultAllowedTools,
	}
}

// Result is what a successful (or partially successful, on interrupt)
// invocation produces.
type Result struct {
	Output       string
	SessionID    string
	CostUSD      float64
	DurationMs   int64
	FilesChanged []string
	Interrupted  bool
}

type invocationRequest struct {
	Instruction      string   `json:"instruction"`
	WorkingDir       string   `json:"working_dir"`
	MaxTurns         int      `json:"max_turns"`
	OutputTokenCap   int      `json:"output_token_cap"`
	ThinkingTokenCap int      `json:"thinking_token_cap"`
	AllowedTools     []string `json:"allowed_tools"`
}

// Runner spawns and supervises a single code-mod invocation.
type Runner struct {
	cfg    Config
	logger logging.Logger
}

// New constructs a Runner from cfg.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg, logger: logging.NewComponentLogger("CodeModRunner")}
}

// Run sends instruction and workdir to the engine and consumes its event
// stream until a terminal result event or process exit. If ctx is
// cancelled mid-run (the preempt path), the subprocess is sent SIGINT and
// given up to 5 s to exit before being force-killed; Run then returns
// ErrInterrupted with whatever output had accumulated so far.
func (r *Runner) Run(ctx context.Context, workdir, instruction string) (*Result, error) {
	proc := subprocess.New(subprocess.Config{
		Command:    r.cfg.Command,
		Args:       r.cfg.Args,
		WorkingDir: workdir,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	req := invocationRequest{
		Instruction:      instruction,
		WorkingDir:       workdir,
		MaxTurns:         r.cfg.MaxTurns,
		OutputTokenCap:   r.cfg.OutputTokenCap,
		ThinkingTokenCap: r.cfg.ThinkingTokenCap,
		AllowedTools:     r.cfg.AllowedTools,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		_ = proc.Stop()
		return nil, fmt.Errorf("%w: marshal invocation request: %v", ErrSpawnFailed, err)
	}
	payload = append(payload, '\n')
	if err := proc.Write(payload); err != nil {
		_ = proc.Stop()
		return nil, fmt.Errorf("%w: write invocation request: %v", ErrSpawnFailed, err)
	}
	_ = proc.CloseStdin()

	result := &Result{}
	scanDone := make(chan struct{})

	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(proc.Stdout())
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 2*1024*1024)
		for scanner.Scan() {
			ev, parseErr := ParseEvent(scanner.Bytes())
			if parseErr != nil {
				r.logger.Debug("skipping malformed codemod event: %v", parseErr)
				continue
			}
			applyEvent(ev, result)
		}
	}()

	select {
	case <-scanDone:
		if waitErr := proc.Wait(); waitErr != nil {
			if proc.Interrupted() {
				result.Interrupted = true
				return result, ErrInterrupted
			}
			return result, fmt.Errorf("%w: %v (stderr: %s)", ErrExecFailed, waitErr, proc.StderrTail())
		}
	case <-ctx.Done():
		_ = proc.Stop()
		<-scanDone
		result.Interrupted = true
		return result, ErrInterrupted
	}

	return result, nil
}

func applyEvent(ev Event, result *Result) {
	switch ev.Type {
	case EventSystem:
		result.SessionID = ev.SessionID
	case EventAssistant:
		for _, block := range ev.Content {
			if block.Type == "text" && block.Text != "" {
				if result.Output != "" {
					result.Output += "\n"
				}
				result.Output += block.Text
			}
		}
	case EventResult:
		result.CostUSD = ev.TotalCostUSD
		result.DurationMs = ev.DurationMs
	}
}

// DetectFileChanges computes the authoritative changed-file set after a
// code-mod invocation: the union of tracked modifications (git diff
// --name-only HEAD) and untracked new files (git ls-files --others
// --exclude-standard). The subprocess's own self-reported file list, if
// any, is advisory only and is not consulted here.
func DetectFileChanges(ctx context.Context, workdir string) ([]string, error) {
	tracked, err := gitOutput(ctx, workdir, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff against HEAD: %w", err)
	}
	untracked, err := gitOutput(ctx, workdir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked files: %w", err)
	}

	seen := make(map[string]struct{})
	var files []string
	for _, line := range append(splitLines(tracked), splitLines(untracked)...) {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		files = append(files, line)
	}
	sort.Strings(files)
	return files, nil
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func gitOutput(ctx context.Context, workdir string, args ...string) (string, error) {
	proc := subprocess.New(subprocess.Config{Command: "git", Args: args, WorkingDir: workdir})
	if err := proc.Start(ctx); err != nil {
		return "", err
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := proc.Stdout().Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	if err := proc.Wait(); err != nil {
		return "", fmt.Errorf("%v (stderr: %s)", err, proc.StderrTail())
	}
	return sb.String(), nil
}
