package core

import (
	"context"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

func TestWorker_ClaimCompleteCycle(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	q, _ := newTestQueue(t, bus, QueueOptions{}, "proj-a")
	w := NewWorker("agent-1", []string{"golang"}, q, bus, WorkerOptions{})

	mustEnqueue(t, q, "proj-a", models.TaskSpec{Title: "rust port", Capability: "rust"})
	goTask := mustEnqueue(t, q, "proj-a", models.TaskSpec{Title: "go service", Capability: "golang"})

	claim, err := w.ClaimNext(ctx)
	if err != nil || claim == nil {
		t.Fatalf("ClaimNext: %v %v", claim, err)
	}
	if claim.Task.ID != goTask.ID {
		t.Errorf("claimed %s, want the golang task %s", claim.Task.ID, goTask.ID)
	}
	if refs := w.Claims(); len(refs) != 1 || refs[0] != claim.Ref {
		t.Errorf("Claims = %v", refs)
	}

	again, err := w.ClaimNext(ctx)
	if err != nil || again != nil {
		t.Errorf("no other golang work should be eligible, got %v %v", again, err)
	}

	done, err := w.Complete(ctx, claim.Ref, "shipped")
	if err != nil || done.Status != models.StatusDone {
		t.Fatalf("Complete: %v %+v", err, done)
	}
	if len(w.Claims()) != 0 {
		t.Errorf("completed task still listed in Claims: %v", w.Claims())
	}
}

func TestWorker_FailAndAbandon(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, QueueOptions{}, "proj-a")
	w := NewWorker("agent-1", nil, q, newTestBus(t), WorkerOptions{})
	mustEnqueue(t, q, "proj-a", models.TaskSpec{Title: "a"})

	claim, _ := w.ClaimNext(ctx)
	task, err := w.Fail(ctx, claim.Ref, "flaky network")
	if err != nil || task.Status != models.StatusTodo {
		t.Fatalf("Fail: %v %+v", err, task)
	}

	claim, _ = w.ClaimNext(ctx)
	task, err = w.Abandon(ctx, claim.Ref, "spec is contradictory")
	if err != nil || task.Status != models.StatusBlocked {
		t.Fatalf("Abandon: %v %+v", err, task)
	}
	if len(w.Claims()) != 0 {
		t.Errorf("Claims = %v", w.Claims())
	}
}

func TestWorker_RetryExhaustionReturnsTask(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, nil, QueueOptions{}, "proj-a")
	w := NewWorker("agent-1", nil, q, nil, WorkerOptions{})
	mustEnqueue(t, q, "proj-a", models.TaskSpec{Title: "a"})

	var (
		task *models.Task
		err  error
	)
	for i := 0; i < 3; i++ {
		claim, cerr := w.ClaimNext(ctx)
		if cerr != nil || claim == nil {
			t.Fatalf("ClaimNext %d: %v %v", i, claim, cerr)
		}
		task, err = w.Fail(ctx, claim.Ref, "again")
	}
	if !errors.Is(err, errors.ErrRetryExhausted) || task == nil || task.Status != models.StatusBlocked {
		t.Errorf("third failure: %v %+v", err, task)
	}
}

func TestWorker_Messaging(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	q, _ := newTestQueue(t, bus, QueueOptions{}, "proj-a")
	alice := NewWorker("alice", nil, q, bus, WorkerOptions{})
	bob := NewWorker("bob", nil, q, bus, WorkerOptions{})

	msg, err := alice.Send(ctx, "bob", map[string]any{"text": "review my PR"}, models.MessageHigh)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Sender != "alice" {
		t.Errorf("sender = %q", msg.Sender)
	}

	inbox, err := bob.Inbox(ctx)
	if err != nil || len(inbox) != 1 || inbox[0].Payload["text"] != "review my PR" {
		t.Fatalf("Inbox = %v, %v", inbox, err)
	}
	if err := bob.Ack(ctx, inbox[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if inbox, _ := bob.Inbox(ctx); len(inbox) != 0 {
		t.Errorf("inbox after ack = %v", inbox)
	}

	heard := ""
	bob.Subscribe("design_*", func(_ context.Context, m *models.Message) { heard = m.Sender })
	if _, err := alice.Publish(ctx, "design_review", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if heard != "alice" {
		t.Errorf("bob heard %q", heard)
	}
}

func TestWorker_WaitForWorkWakesOnEnqueue(t *testing.T) {
	bus := newTestBus(t)
	q, _ := newTestQueue(t, bus, QueueOptions{}, "proj-a")
	w := NewWorker("agent-1", nil, q, bus, WorkerOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := make(chan *Claim, 1)
	errs := make(chan error, 1)
	go func() {
		claim, err := w.WaitForWork(ctx, nil)
		if err != nil {
			errs <- err
			return
		}
		result <- claim
	}()

	// Give the worker time to subscribe and find the queue empty.
	time.Sleep(50 * time.Millisecond)
	task := mustEnqueue(t, q, "proj-a", models.TaskSpec{Title: "late arrival"})

	select {
	case claim := <-result:
		if claim.Task.ID != task.ID {
			t.Errorf("claimed %s, want %s", claim.Task.ID, task.ID)
		}
	case err := <-errs:
		t.Fatalf("WaitForWork: %v", err)
	case <-ctx.Done():
		t.Fatal("WaitForWork did not wake on task_available")
	}
}

func TestWorker_WaitForWorkHonoursCancel(t *testing.T) {
	q, _ := newTestQueue(t, nil, QueueOptions{}, "proj-a")
	w := NewWorker("agent-1", nil, q, nil, WorkerOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.WaitForWork(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}
