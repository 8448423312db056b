package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantKeyRoundTrip(t *testing.T) {
	key := TenantKey("amelia", "scott")
	require.Equal(t, "amelia#scott", key)

	project, user, ok := SplitTenantKey(key)
	require.True(t, ok)
	assert.Equal(t, "amelia", project)
	assert.Equal(t, "scott", user)
}

func TestSplitTenantKeyInvalid(t *testing.T) {
	_, _, ok := SplitTenantKey("no-separator")
	assert.False(t, ok)
}

func TestRepoName(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/webordinary/amelia-astro.git", "amelia-astro"},
		{"https://github.com/webordinary/amelia-astro", "amelia-astro"},
		{"git@github.com:webordinary/amelia-astro.git", "amelia-astro"},
		{"https://github.com/webordinary/amelia-astro/", "amelia-astro"},
		{"", fallbackRepoName},
		{"   ", fallbackRepoName},
		{"https://github.com/webordinary/", "webordinary"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RepoName(c.url), "RepoName(%q)", c.url)
	}
}

func TestWorkDir(t *testing.T) {
	got := WorkDir("/workspaces", "amelia", "scott", "https://github.com/webordinary/amelia-astro.git")
	assert.Equal(t, "/workspaces/amelia/scott/amelia-astro", got)
}

func TestWorkDirFallsBackToWorkspace(t *testing.T) {
	got := WorkDir("/workspaces", "amelia", "scott", "")
	assert.Equal(t, "/workspaces/amelia/scott/workspace", got)
}

func TestBranchNameDoesNotDoublePrefix(t *testing.T) {
	assert.Equal(t, "thread-abc123", BranchName("thread-abc123"))
	assert.Equal(t, "thread-abc123", BranchName("abc123"))
}

func TestBucketName(t *testing.T) {
	assert.Equal(t, "edit.amelia.webordinary.com", BucketName("amelia"))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "webordinary-input-amelia-scott.fifo", WorkQueueName("amelia", "scott"))
	assert.Equal(t, "webordinary-interrupts-amelia-scott", PreemptQueueName("amelia", "scott"))
}
