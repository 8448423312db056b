// Package ids is the single place that derives workspace paths, branch
// names, bucket names, and queue names from tenant/thread identity. Spec
// requires all other components to go through here rather than concatenate
// strings themselves, to keep tenant isolation auditable in one place.
package ids

import (
	"fmt"
	"path"
	"strings"
)

const (
	threadBranchPrefix = "thread-"
	fallbackRepoName   = "workspace"
)

// TenantKey renders the (projectId, userId) pair as the tenant key used
// throughout the claim registry, active-job store, and queues.
func TenantKey(projectID, userID string) string {
	return projectID + "#" + userID
}

// SplitTenantKey reverses TenantKey. ok is false if key isn't of the form
// "<project>#<user>".
func SplitTenantKey(key string) (projectID, userID string, ok bool) {
	idx := strings.IndexByte(key, '#')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// RepoName derives a filesystem-safe repository name from a Git remote URL:
// the trailing path segment with a ".git" suffix stripped. Falls back to
// "workspace" when the URL yields no usable segment. Callers should prefer
// this uniformly and not special-case any particular repository.
func RepoName(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	if trimmed == "" {
		return fallbackRepoName
	}
	base := path.Base(trimmed)
	base = strings.TrimSuffix(base, ".git")
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == "/" {
		return fallbackRepoName
	}
	return base
}

// WorkDir returns the workspace directory for a tenant:
// <root>/<projectId>/<userId>/<repoName>.
func WorkDir(root, projectID, userID, repoURL string) string {
	return path.Join(root, projectID, userID, RepoName(repoURL))
}

// BranchName returns "thread-<threadId>", without double-prefixing an ID
// that already carries the prefix.
func BranchName(threadID string) string {
	if strings.HasPrefix(threadID, threadBranchPrefix) {
		return threadID
	}
	return threadBranchPrefix + threadID
}

// BucketName returns the publish target bucket for a project.
func BucketName(projectID string) string {
	return fmt.Sprintf("edit.%s.webordinary.com", projectID)
}

// WorkQueueName returns the strict-ordered FIFO work-queue name for a
// tenant.
func WorkQueueName(projectID, userID string) string {
	return fmt.Sprintf("webordinary-input-%s-%s.fifo", projectID, userID)
}

// PreemptQueueName returns the standard (unordered) preempt-queue name for a
// tenant.
func PreemptQueueName(projectID, userID string) string {
	return fmt.Sprintf("webordinary-interrupts-%s-%s", projectID, userID)
}
