// Package config resolves the edit worker's environment-derived, immutable
// configuration. Values are loaded once at startup through viper and never
// mutated afterward: a long-lived worker process has no config-editing
// surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved worker configuration. It is immutable once
// Load returns.
type Config struct {
	// WorkspaceRoot is the filesystem root under which per-tenant working
	// directories (<root>/<projectId>/<userId>/<repo>) are created.
	WorkspaceRoot string

	// Region and AccountID feed the queue/bucket name templates.
	Region    string
	AccountID string

	// ClaimTTL is how long a claim on a tenant survives without a refresh.
	ClaimTTL time.Duration
	// RefreshInterval is how often an owned claim is refreshed.
	RefreshInterval time.Duration
	// IdleTimeout is how long the owned loop waits for new work before
	// releasing the tenant.
	IdleTimeout time.Duration

	// HeartbeatInterval is how often the job controller reports liveness
	// back to the orchestrator while a task is executing.
	HeartbeatInterval time.Duration
	// LeaseExtendInterval and LeaseExtendFor govern the queue visibility
	// extension performed while a message is being worked.
	LeaseExtendInterval time.Duration
	LeaseExtendFor      time.Duration

	// WorkPollWait and PreemptPollWait are the long-poll wait times used
	// against the two queues.
	WorkPollWait    time.Duration
	PreemptPollWait time.Duration

	// CodeModMaxTurns bounds the code-mod engine's conversation length.
	CodeModMaxTurns int
	// CodeModOutputTokenCap bounds a single code-mod response.
	CodeModOutputTokenCap int

	// GitPushEnabled toggles the final push step (disabled in some test
	// environments that lack push credentials).
	GitPushEnabled bool
	// GitPushRetries is loaded from git_push_retries but not read: Push
	// makes one rebase-then-retry pass and one merge pass, with no retry
	// loop around them.
	GitPushRetries int

	// OrchestratorBaseURL is the base URL for heartbeat/succeed/fail
	// callbacks.
	OrchestratorBaseURL string

	// ClaimDatabaseURL is the Postgres connection string backing the claim
	// registry, active-job store, and both queues.
	ClaimDatabaseURL string

	// PublishRoot is loaded from publish_root; neither publish backend
	// (CLISyncer, MinioSyncer) reads it.
	PublishRoot string

	// PublishEndpoint, when set, selects the direct-SDK MinioSyncer over
	// the default CLISyncer for the publish sync stage.
	PublishEndpoint  string
	PublishAccessKey string
	PublishSecretKey string
	PublishUseSSL    bool

	// CodeModCommand and CodeModArgs name the external code-mod engine
	// binary; the engine itself is treated as opaque.
	CodeModCommand string
	CodeModArgs    []string

	// HTTPAddr is the bind address for the liveness/metrics HTTP surface.
	HTTPAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace_root", "/workspace")
	v.SetDefault("region", "us-west-2")
	v.SetDefault("account_id", "")

	v.SetDefault("claim_ttl_secs", 3600)
	v.SetDefault("refresh_interval_secs", 30)
	v.SetDefault("idle_timeout_ms", 300000)

	v.SetDefault("heartbeat_interval_secs", 30)
	v.SetDefault("lease_extend_interval_mins", 50)
	v.SetDefault("lease_extend_secs", 3600)

	v.SetDefault("work_poll_wait_secs", 20)
	v.SetDefault("preempt_poll_wait_secs", 5)

	v.SetDefault("codemod_max_turns", 3)
	v.SetDefault("codemod_output_tok_cap", 4096)

	v.SetDefault("git_push_enabled", true)
	v.SetDefault("git_push_retries", 3)

	v.SetDefault("orchestrator_base_url", "")
	v.SetDefault("claim_database_url", "")
	v.SetDefault("publish_root", "/var/lib/edit-worker/published")
	v.SetDefault("publish_endpoint", "")
	v.SetDefault("publish_access_key", "")
	v.SetDefault("publish_secret_key", "")
	v.SetDefault("publish_use_ssl", true)

	v.SetDefault("codemod_command", "codemod-engine")
	v.SetDefault("codemod_args", []string{})

	v.SetDefault("http_addr", ":8080")
}

// Load resolves Config from the process environment, using the
// EDIT_WORKER_ prefix (e.g. EDIT_WORKER_WORKSPACE_ROOT).
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("edit_worker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		WorkspaceRoot:         v.GetString("workspace_root"),
		Region:                v.GetString("region"),
		AccountID:             v.GetString("account_id"),
		ClaimTTL:              time.Duration(v.GetInt64("claim_ttl_secs")) * time.Second,
		RefreshInterval:       time.Duration(v.GetInt64("refresh_interval_secs")) * time.Second,
		IdleTimeout:           time.Duration(v.GetInt64("idle_timeout_ms")) * time.Millisecond,
		HeartbeatInterval:     time.Duration(v.GetInt64("heartbeat_interval_secs")) * time.Second,
		LeaseExtendInterval:   time.Duration(v.GetInt64("lease_extend_interval_mins")) * time.Minute,
		LeaseExtendFor:        time.Duration(v.GetInt64("lease_extend_secs")) * time.Second,
		WorkPollWait:          time.Duration(v.GetInt64("work_poll_wait_secs")) * time.Second,
		PreemptPollWait:       time.Duration(v.GetInt64("preempt_poll_wait_secs")) * time.Second,
		CodeModMaxTurns:       v.GetInt("codemod_max_turns"),
		CodeModOutputTokenCap: v.GetInt("codemod_output_tok_cap"),
		GitPushEnabled:        v.GetBool("git_push_enabled"),
		GitPushRetries:        v.GetInt("git_push_retries"),
		OrchestratorBaseURL:   v.GetString("orchestrator_base_url"),
		ClaimDatabaseURL:      v.GetString("claim_database_url"),
		PublishRoot:           v.GetString("publish_root"),
		PublishEndpoint:       v.GetString("publish_endpoint"),
		PublishAccessKey:      v.GetString("publish_access_key"),
		PublishSecretKey:      v.GetString("publish_secret_key"),
		PublishUseSSL:         v.GetBool("publish_use_ssl"),
		CodeModCommand:        v.GetString("codemod_command"),
		CodeModArgs:           v.GetStringSlice("codemod_args"),
		HTTPAddr:              v.GetString("http_addr"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.OrchestratorBaseURL == "" {
		missing = append(missing, "orchestrator_base_url")
	}
	if c.ClaimDatabaseURL == "" {
		missing = append(missing, "claim_database_url")
	}
	if c.AccountID == "" {
		missing = append(missing, "account_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.CodeModMaxTurns <= 0 {
		return fmt.Errorf("config: codemod_max_turns must be positive, got %d", c.CodeModMaxTurns)
	}
	return nil
}
