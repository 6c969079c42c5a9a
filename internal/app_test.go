package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/valter-silva-au/agent-army/internal/cli"
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

func TestResolveBasePath_ArmyHomeSet(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARMY_HOME", tmpDir)

	if got := ResolveBasePath(); got != tmpDir {
		t.Errorf("ResolveBasePath() = %q, want %q", got, tmpDir)
	}
}

func TestResolveBasePath_FindsArmyConfig(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "sub", "nested")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, core.ConfigFileName), []byte("max_retries: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer func() { _ = os.Chdir(origDir) }()
	if err := os.Chdir(subDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARMY_HOME", "")

	if got := ResolveBasePath(); got != resolveSymlinks(t, tmpDir) {
		t.Errorf("ResolveBasePath() = %q, want %q", got, tmpDir)
	}
}

func TestResolveBasePath_FallbackToCwd(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer func() { _ = os.Chdir(origDir) }()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARMY_HOME", "")

	if got := ResolveBasePath(); got != resolveSymlinks(t, tmpDir) {
		t.Errorf("ResolveBasePath() = %q, want %q", got, tmpDir)
	}
}

// resolveSymlinks matches os.Getwd on platforms where TempDir is a symlink.
func resolveSymlinks(t *testing.T, dir string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestNewApp_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	app, err := NewApp(tmpDir)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if app.Config.MaxRetries != core.DefaultConfig().MaxRetries {
		t.Errorf("MaxRetries = %d, want default", app.Config.MaxRetries)
	}
	if app.Bus == nil || app.Queue == nil || app.Registry == nil {
		t.Fatal("core services not wired")
	}
	if app.EventLog == nil || app.AlertEngine == nil || app.MetricsCalc == nil {
		t.Error("observability not wired")
	}
	if app.Notifier != nil {
		t.Error("notifier should be nil without a webhook")
	}
	if cli.Queue != app.Queue || cli.Registry != app.Registry || cli.BasePath != tmpDir {
		t.Error("cli package variables not wired")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, app.Config.RegistryDB)); err != nil {
		t.Errorf("registry database not created: %v", err)
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, core.ConfigFileName), []byte("max_retries: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(tmpDir); err == nil {
		t.Fatal("expected validation error for negative max_retries")
	}
}

func TestNewApp_SlackNotifier(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := "notifications:\n  slack:\n    webhook_url: https://hooks.example.com/T000\n"
	if err := os.WriteFile(filepath.Join(tmpDir, core.ConfigFileName), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	app, err := NewApp(tmpDir)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if app.Notifier == nil {
		t.Error("expected a Slack notifier when a webhook is configured")
	}
}

// A project registered in one App is a queue source in the next.
func TestNewApp_ReloadsActiveProjects(t *testing.T) {
	base := t.TempDir()
	projectDir := t.TempDir()
	ctx := context.Background()

	first, err := NewApp(base)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	p, err := first.Registry.Register(ctx, "shop", projectDir, 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := first.Registry.SyncQueue(ctx, first.Queue); err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if _, err := first.Queue.Enqueue(ctx, p.ID, models.TaskSpec{Title: "Build cart"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewApp(base)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer second.Close()

	if _, err := second.Queue.Source(p.ID); err != nil {
		t.Fatalf("project %s not loaded as a queue source", p.ID)
	}
	next, err := second.Queue.Peek(ctx, core.EligibilityFilter{})
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(next) != 1 || next[0].Task.Title != "Build cart" {
		t.Errorf("Peek = %+v, want the persisted task", next)
	}
}

func TestClose_PartialApp(t *testing.T) {
	app := &App{}
	if err := app.Close(); err != nil {
		t.Errorf("Close on empty App: %v", err)
	}
}
