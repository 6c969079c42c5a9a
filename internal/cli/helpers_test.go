package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/internal/storage"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

var testLock = storage.LockOptions{Timeout: 10 * time.Second, PollInterval: 2 * time.Millisecond}

// captureStdout captures stdout output during fn execution.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = origStdout

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading pipe: %v", err)
	}
	return string(out)
}

// withArmy wires real file-backed services into the package vars for the
// duration of the test.
func withArmy(t *testing.T, maxRetries int) {
	t.Helper()
	origBase, origConfig, origLogger := BasePath, Config, Logger
	origQueue, origBus, origRegistry := Queue, Bus, Registry
	t.Cleanup(func() {
		BasePath, Config, Logger = origBase, origConfig, origLogger
		Queue, Bus, Registry = origQueue, origBus, origRegistry
	})

	base := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.WorkerPollInterval = 10 * time.Millisecond

	bus := core.NewMessageBus(storage.NewMessageLog(filepath.Join(base, "messages.jsonl"), testLock, nil), core.BusOptions{})
	store, err := storage.OpenRegistryStore(context.Background(), filepath.Join(base, "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	open := func(p *models.Project) core.ChecklistManager {
		file := storage.NewChecklistStore(filepath.Join(p.Path, cfg.ChecklistFile), testLock, nil)
		return core.NewChecklistManager(file, core.ChecklistOptionsFromConfig(cfg, p.Path, nil, nil))
	}

	BasePath = base
	Config = cfg
	Logger = nil
	Bus = bus
	Registry = core.NewProjectRegistry(store, open, bus, core.RegistryOptions{Concurrency: 2})
	Queue = core.NewTaskQueue(bus, core.QueueOptions{})
}

// registerProject registers a fresh project directory and adds it to Queue.
func registerProject(t *testing.T, name string) *models.Project {
	t.Helper()
	p, err := Registry.Register(context.Background(), name, t.TempDir(), 1)
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	Queue.AddSource(p.ID, Registry.Checklist(p))
	return p
}

func mustEnqueue(t *testing.T, projectID string, spec models.TaskSpec) models.TaskRef {
	t.Helper()
	task, err := Queue.Enqueue(context.Background(), projectID, spec)
	if err != nil {
		t.Fatalf("Enqueue(%q): %v", spec.Title, err)
	}
	return models.TaskRef{ProjectID: projectID, TaskID: task.ID}
}

func mustGetTask(t *testing.T, ref models.TaskRef) *models.Task {
	t.Helper()
	cl, err := checklistFor(context.Background(), ref.ProjectID)
	if err != nil {
		t.Fatalf("checklistFor(%s): %v", ref.ProjectID, err)
	}
	task, err := cl.GetTask(context.Background(), ref.TaskID)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", ref, err)
	}
	return task
}
