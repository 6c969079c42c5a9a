package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/internal/storage"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// --- Shared test helpers ---

var testLock = storage.LockOptions{Timeout: 10 * time.Second, PollInterval: 2 * time.Millisecond}

// fakeClock hands out strictly increasing timestamps so CreatedAt ordering
// in tests never depends on the wall clock resolution.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// recordingEvents captures audit events in memory.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) LogEvent(eventType string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recordingEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// newTestChecklistIn builds a file-backed manager whose checklist lives in dir.
func newTestChecklistIn(t interface{ Helper() }, dir string, maxRetries int, opts ChecklistOptions) ChecklistManager {
	t.Helper()
	file := storage.NewChecklistStore(filepath.Join(dir, ".project_checklist.yaml"), testLock, nil)
	opts.MaxRetries = maxRetries
	if opts.Now == nil {
		opts.Now = newFakeClock().Now
	}
	return NewChecklistManager(file, opts)
}

func newTestManager(t *testing.T, maxRetries int) ChecklistManager {
	t.Helper()
	return newTestChecklistIn(t, t.TempDir(), maxRetries, ChecklistOptions{})
}

func newTestBus(t *testing.T) MessageBus {
	t.Helper()
	log := storage.NewMessageLog(filepath.Join(t.TempDir(), "messages.jsonl"), testLock, nil)
	return NewMessageBus(log, BusOptions{})
}

func mustCreate(t *testing.T, m ChecklistManager, spec models.TaskSpec) *models.Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", spec.Title, err)
	}
	return task
}

func mustClaim(t *testing.T, m ChecklistManager, id, agent string) *models.Task {
	t.Helper()
	task, err := m.Claim(context.Background(), id, agent)
	if err != nil {
		t.Fatalf("Claim(%s) failed: %v", id, err)
	}
	return task
}

func mustComplete(t *testing.T, m ChecklistManager, id, agent string) *models.Task {
	t.Helper()
	task, err := m.Complete(context.Background(), id, agent, "")
	if err != nil {
		t.Fatalf("Complete(%s) failed: %v", id, err)
	}
	return task
}
