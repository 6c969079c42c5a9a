package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

func newTestChecklistStore(t *testing.T) ChecklistStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proj", ".project_checklist.yaml")
	return NewChecklistStore(path, LockOptions{Timeout: 2 * time.Second, PollInterval: time.Millisecond}, nil)
}

func TestChecklistStore_ReadMissingFile(t *testing.T) {
	s := newTestChecklistStore(t)
	cl, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(cl.Tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(cl.Tasks))
	}
	if cl.SchemaVersion != models.ChecklistSchemaVersion {
		t.Errorf("SchemaVersion = %d", cl.SchemaVersion)
	}
}

func TestChecklistStore_UpdateRoundTrip(t *testing.T) {
	s := newTestChecklistStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(cl *models.Checklist) error {
		cl.ProjectName = "demo"
		cl.NextID = 1
		cl.Tasks = append(cl.Tasks, &models.Task{
			ID:       "T-0001",
			Title:    "Write parser",
			Kind:     models.KindImplementation,
			Status:   models.StatusTodo,
			Priority: models.PriorityHigh,
			Payload:  map[string]any{"file": "parser.go"},
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	cl, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cl.ProjectName != "demo" || cl.NextID != 1 {
		t.Errorf("header not persisted: %+v", cl)
	}
	task := cl.Task("T-0001")
	if task == nil {
		t.Fatal("task not persisted")
	}
	if task.Payload["file"] != "parser.go" {
		t.Errorf("payload = %v", task.Payload)
	}
	if cl.CreatedAt.IsZero() || cl.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestChecklistStore_FnErrorWritesNothing(t *testing.T) {
	s := newTestChecklistStore(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, func(cl *models.Checklist) error {
		cl.ProjectName = "before"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sentinel := fmt.Errorf("rejected")
	_, err := s.Update(ctx, func(cl *models.Checklist) error {
		cl.ProjectName = "after"
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	cl, _ := s.Read(ctx)
	if cl.ProjectName != "before" {
		t.Errorf("ProjectName = %q, want before", cl.ProjectName)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".checklist-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestChecklistStore_ConcurrentUpdatesSerialise(t *testing.T) {
	s := newTestChecklistStore(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, func(cl *models.Checklist) error {
				cl.NextID++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	cl, _ := s.Read(ctx)
	if cl.NextID != workers {
		t.Errorf("NextID = %d, want %d (lost update)", cl.NextID, workers)
	}
}

func TestChecklistStore_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".project_checklist.yaml")
	s := NewChecklistStore(path, LockOptions{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)

	unlock, err := lockFile(context.Background(), path+".lock", DefaultLockOptions)
	if err != nil {
		t.Fatalf("lockFile: %v", err)
	}
	defer unlock()

	_, err = s.Update(context.Background(), func(cl *models.Checklist) error { return nil })
	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
}

func TestChecklistStore_IgnoresUnknownFieldsAndLegacyVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".project_checklist.yaml")
	raw := `project_name: legacy
future_field: 42
tasks:
  - id: T-0001
    title: Old task
    kind: implementation
    status: todo
    priority: LOW
    shiny_new_field: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cl, err := NewChecklistStore(path, LockOptions{}, nil).Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cl.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", cl.SchemaVersion)
	}
	if cl.Task("T-0001") == nil {
		t.Error("task missing")
	}
}

func TestChecklistStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".project_checklist.yaml")
	if err := os.WriteFile(path, []byte("tasks: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewChecklistStore(path, LockOptions{}, nil).Read(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestChecklistStore_OnCommit(t *testing.T) {
	s := newTestChecklistStore(t)
	var seen []string
	s.OnCommit(func(cl *models.Checklist) { seen = append(seen, cl.ProjectName) })

	ctx := context.Background()
	_, _ = s.Update(ctx, func(cl *models.Checklist) error { cl.ProjectName = "one"; return nil })
	_, _ = s.Update(ctx, func(cl *models.Checklist) error { return fmt.Errorf("no") })
	_, _ = s.Update(ctx, func(cl *models.Checklist) error { cl.ProjectName = "two"; return nil })

	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Errorf("hook saw %v, want [one two]", seen)
	}
}
