package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

// --- Helper ---

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// --- LoadConfig tests ---

func TestLoadConfig_Defaults_WhenNoFile(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())

	cfg, err := cm.LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %s, want 5s", cfg.LockTimeout)
	}
	if cfg.TaskIDPrefix != "T" || cfg.TaskIDPadWidth != 4 {
		t.Errorf("task id = %s/%d, want T/4", cfg.TaskIDPrefix, cfg.TaskIDPadWidth)
	}
	if cfg.WorkloadWeights[models.PriorityCritical] != 8 || cfg.WorkloadWeights[models.PriorityLow] != 1 {
		t.Errorf("WorkloadWeights = %v", cfg.WorkloadWeights)
	}
	if cfg.ChecklistFile != ".project_checklist.yaml" {
		t.Errorf("ChecklistFile = %q", cfg.ChecklistFile)
	}
	if err := cm.ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFileName+".yaml", `max_retries: 5
lock:
  timeout: 2s
  poll_interval: 10ms
task_id:
  prefix: JOB
  pad_width: 6
queue:
  remediate_on_exhaustion: true
workload:
  weights:
    critical: 20
log:
  level: debug
worker:
  poll_interval: 1m
`)

	cfg, err := NewConfigurationManager(dir).LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.LockTimeout != 2*time.Second || cfg.LockPollInterval != 10*time.Millisecond {
		t.Errorf("lock = %s/%s", cfg.LockTimeout, cfg.LockPollInterval)
	}
	if cfg.TaskIDPrefix != "JOB" || cfg.TaskIDPadWidth != 6 {
		t.Errorf("task id = %s/%d", cfg.TaskIDPrefix, cfg.TaskIDPadWidth)
	}
	if !cfg.RemediateOnExhaustion {
		t.Error("RemediateOnExhaustion should be true")
	}
	if cfg.WorkloadWeights[models.PriorityCritical] != 20 {
		t.Errorf("CRITICAL weight = %v, want 20", cfg.WorkloadWeights[models.PriorityCritical])
	}
	if cfg.WorkloadWeights[models.PriorityHigh] != 4 {
		t.Errorf("HIGH weight should keep its default, got %v", cfg.WorkloadWeights[models.PriorityHigh])
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel)
	}
	if cfg.WorkerPollInterval != time.Minute {
		t.Errorf("WorkerPollInterval = %s", cfg.WorkerPollInterval)
	}
}

func TestLoadConfig_ExplicitZeroRetries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFileName+".yaml", "max_retries: 0\n")

	cfg, err := NewConfigurationManager(dir).LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0", cfg.MaxRetries)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("ARMY_MAX_RETRIES", "7")
	cfg, err := NewConfigurationManager(t.TempDir()).LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7 from env", cfg.MaxRetries)
	}
}

func TestLoadConfig_BadWeightPriority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFileName+".yaml", "workload:\n  weights:\n    urgent: 3\n")
	if _, err := NewConfigurationManager(dir).LoadConfig(); err == nil {
		t.Fatal("expected error for unknown priority in weights")
	}
}

// --- ValidateConfig tests ---

func TestValidateConfig_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = -1
	cfg.TaskIDPrefix = "bad-prefix"
	cfg.LogLevel = "LOUD"
	cfg.MaxScanAttempts = 0

	err := NewConfigurationManager("").ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_retries", "task_id.prefix", "log.level", "queue.max_scan_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	if err := NewConfigurationManager("").ValidateConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
