package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EDIT_WORKER_ORCHESTRATOR_BASE_URL",
		"EDIT_WORKER_CLAIM_DATABASE_URL",
		"EDIT_WORKER_ACCOUNT_ID",
		"EDIT_WORKER_CLAIM_TTL_SECS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadRequiresMandatorySettings(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when required settings are missing")
	}
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDIT_WORKER_ORCHESTRATOR_BASE_URL", "https://orchestrator.internal")
	t.Setenv("EDIT_WORKER_CLAIM_DATABASE_URL", "postgres://localhost/edit_worker")
	t.Setenv("EDIT_WORKER_ACCOUNT_ID", "123456789012")
	t.Setenv("EDIT_WORKER_CLAIM_TTL_SECS", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClaimTTL != 90*time.Second {
		t.Fatalf("ClaimTTL = %v, want 90s", cfg.ClaimTTL)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Fatalf("RefreshInterval default = %v, want 30s", cfg.RefreshInterval)
	}
	if cfg.WorkspaceRoot != "/workspace" {
		t.Fatalf("WorkspaceRoot default = %q", cfg.WorkspaceRoot)
	}
	if !cfg.GitPushEnabled {
		t.Fatal("expected GitPushEnabled default true")
	}
}
