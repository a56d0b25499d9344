package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"ASSISTANT_NAME", "POLL_INTERVAL", "SCHEDULER_POLL_INTERVAL",
		"MAX_CONCURRENT_CONTAINERS", "CONTAINER_IMAGE", "TIMEZONE", "DATA_DIR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Andy" {
		t.Errorf("AssistantName = %q, want Andy", cfg.AssistantName)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.MaxConcurrentContainers != 2 {
		t.Errorf("MaxConcurrentContainers = %d, want 2", cfg.MaxConcurrentContainers)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("ASSISTANT_NAME", "Rex")
	t.Setenv("MAX_CONCURRENT_CONTAINERS", "5")
	t.Setenv("TIMEZONE", "America/New_York")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Rex" {
		t.Errorf("AssistantName = %q, want Rex", cfg.AssistantName)
	}
	if cfg.MaxConcurrentContainers != 5 {
		t.Errorf("MaxConcurrentContainers = %d, want 5", cfg.MaxConcurrentContainers)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want America/New_York", cfg.Timezone)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CONTAINERS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for MAX_CONCURRENT_CONTAINERS=0")
	}
}

func TestResolvePathsUsesDataDir(t *testing.T) {
	cfg := DefaultCoreConfig()
	cfg.DataDir = "/tmp/andy-data"
	p := ResolvePaths(cfg)
	if p.IPCDir != "/tmp/andy-data/ipc" {
		t.Errorf("IPCDir = %q, want /tmp/andy-data/ipc", p.IPCDir)
	}
	if p.EnvFile != "/tmp/andy-data/env/env" {
		t.Errorf("EnvFile = %q, want /tmp/andy-data/env/env", p.EnvFile)
	}
}
