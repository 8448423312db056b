package jobcontroller

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const commitSubjectLimit = 72

var politePrefixes = []string{
	"please ", "can you ", "could you ", "i need to ", "i want to ",
	"let's ", "help me ", "assist with ",
}

var canonicalVerbs = map[string]string{
	"fix": "Fix", "add": "Add", "remove": "Remove", "update": "Update",
	"create": "Create", "delete": "Delete", "refactor": "Refactor",
	"implement": "Implement", "change": "Change", "modify": "Modify",
}

// CommitMessageInput is what the formatter needs to produce a subject
// and optional body for a job's commit.
type CommitMessageInput struct {
	Instruction  string
	FilesChanged []string
	SessionID    string
	Interrupted  bool
	UserID       string
}

// FormatCommitMessage implements the commit-message formatter (§4.7.1):
// a ≤72-char subject summarizing the action and affected files, plus an
// optional body carrying the full instruction, file list, and an audit
// trailer.
func FormatCommitMessage(in CommitMessageInput) (subject, body string) {
	subject = formatSubject(in)
	body = formatBody(in)
	return subject, body
}

func formatSubject(in CommitMessageInput) string {
	sessTag := sessionTag(in.SessionID)

	if in.Interrupted {
		var base string
		if n := len(in.FilesChanged); n > 0 {
			base = fmt.Sprintf("WIP: Interrupted with %d file(s) modified", n)
		} else {
			base = "WIP: Session interrupted"
		}
		return truncateWithEllipsis(appendTag(base, sessTag), commitSubjectLimit)
	}

	action := canonicalizeAction(in.Instruction)
	fileCtx := fileContext(in.FilesChanged)

	subject := action
	if fileCtx != "" {
		subject = fmt.Sprintf("%s (%s)", action, fileCtx)
	}
	subject = appendTag(subject, sessTag)
	return truncateWithEllipsis(subject, commitSubjectLimit)
}

func sessionTag(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "[" + sessionID + "]"
}

func appendTag(base, tag string) string {
	if tag == "" {
		return base
	}
	return base + " " + tag
}

func canonicalizeAction(instruction string) string {
	action := strings.TrimSpace(instruction)
	lower := strings.ToLower(action)
	for _, prefix := range politePrefixes {
		if strings.HasPrefix(lower, prefix) {
			action = action[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return "Update"
	}

	fields := strings.Fields(action)
	if canon, ok := canonicalVerbs[strings.ToLower(fields[0])]; ok {
		fields[0] = canon
		return strings.Join(fields, " ")
	}

	runes := []rune(action)
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return string(runes)
}

func fileContext(files []string) string {
	switch len(files) {
	case 0:
		return ""
	case 1:
		return path.Base(files[0])
	}

	if ext, ok := commonExt(files); ok {
		return fmt.Sprintf("%d %s files", len(files), ext)
	}
	if dir, ok := commonDir(files); ok {
		return fmt.Sprintf("%d files in %s", len(files), dir)
	}
	return fmt.Sprintf("%d files", len(files))
}

func commonExt(files []string) (string, bool) {
	ext := strings.TrimPrefix(path.Ext(files[0]), ".")
	if ext == "" {
		return "", false
	}
	for _, f := range files[1:] {
		if strings.TrimPrefix(path.Ext(f), ".") != ext {
			return "", false
		}
	}
	return ext, true
}

func commonDir(files []string) (string, bool) {
	dir := path.Dir(files[0])
	for _, f := range files[1:] {
		if path.Dir(f) != dir {
			return "", false
		}
	}
	if dir == "." {
		return "", false
	}
	return dir, true
}

func formatBody(in CommitMessageInput) string {
	var sections []string

	if len(in.Instruction) > commitSubjectLimit {
		sections = append(sections, "Full instruction:\n"+wrapText(in.Instruction, 72))
	}
	if len(in.FilesChanged) > 3 {
		var sb strings.Builder
		sb.WriteString("Files changed:\n")
		for _, f := range in.FilesChanged {
			sb.WriteString("- " + f + "\n")
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	trailer := fmt.Sprintf(
		"Session: %s\nUser: %s\nTime: %s\nGenerated by edit-worker",
		orDash(in.SessionID), orDash(in.UserID), commitTimestamp(),
	)
	sections = append(sections, trailer)

	return strings.Join(sections, "\n\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// commitTimestamp is overridable in tests to keep trailer assertions
// deterministic without depending on wall-clock time.
var commitTimestamp = func() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func wrapText(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	var line strings.Builder
	for _, w := range words {
		if line.Len() > 0 && line.Len()+1+len(w) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(w)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func truncateWithEllipsis(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
