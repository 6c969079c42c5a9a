package cli

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// resetTaskFlags clears the shared task flag vars before and after a test.
func resetTaskFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		taskProject, taskAgent, taskJSON = "", "", false
		taskCapabilities, taskKinds = nil, nil
		taskCreateDescription, taskCreateKind, taskCreatePriority = "", "", ""
		taskCreateBlocking, taskCreateCapability = false, ""
		taskCreateDepends, taskCreatePayload, taskCreateSubtasks = nil, nil, nil
		taskListStatus, taskListBlocking = "", false
		taskNextLimit = 10
		taskClaimWait, taskClaimTimeout = false, 0
		taskNotes, taskReason, taskRecoverable = "", "", false
	}
	reset()
	t.Cleanup(reset)
}

func TestTaskCmd_Subcommands(t *testing.T) {
	expected := []string{"create", "list", "show", "next", "claim", "complete", "fail", "requeue", "unblock", "note", "coverage", "subtask", "depend", "blocking"}
	subs := make(map[string]bool)
	for _, cmd := range taskCmd.Commands() {
		subs[cmd.Name()] = true
	}
	for _, name := range expected {
		if !subs[name] {
			t.Errorf("expected subcommand %q on 'task', but it was not registered", name)
		}
	}
}

func TestTaskCreate_NilQueue(t *testing.T) {
	resetTaskFlags(t)
	origQueue := Queue
	defer func() { Queue = origQueue }()
	Queue = nil

	err := taskCreateCmd.RunE(taskCreateCmd, []string{"anything"})
	if err == nil || !strings.Contains(err.Error(), "task queue not initialized") {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestTaskCreate_RequiresProject(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)

	err := taskCreateCmd.RunE(taskCreateCmd, []string{"write docs"})
	if err == nil || !strings.Contains(err.Error(), "--project is required") {
		t.Fatalf("expected --project error, got %v", err)
	}
}

func TestTaskCreate_Success(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")

	taskProject = p.ID
	taskCreatePriority = "high"
	taskCreateBlocking = true
	taskCreateCapability = "go"
	taskCreatePayload = []string{"pr=42", "draft=false"}
	taskCreateSubtasks = []string{"schema", "handlers"}

	out := captureStdout(t, func() {
		if err := taskCreateCmd.RunE(taskCreateCmd, []string{"Build checkout API"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "Created task "+p.ID+":T-0001") {
		t.Errorf("output missing task ref: %s", out)
	}
	if !strings.Contains(out, "Blocking: yes") {
		t.Errorf("output missing blocking marker: %s", out)
	}

	task := mustGetTask(t, models.TaskRef{ProjectID: p.ID, TaskID: "T-0001"})
	if task.Priority != models.PriorityHigh {
		t.Errorf("priority = %s, want HIGH", task.Priority)
	}
	if fmt.Sprint(task.Payload["pr"]) != "42" || task.Payload["draft"] != false {
		t.Errorf("payload = %v", task.Payload)
	}
	if len(task.Subtasks) != 2 {
		t.Errorf("subtasks = %d, want 2", len(task.Subtasks))
	}
}

func TestTaskCreate_InvalidPriority(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	taskProject = p.ID
	taskCreatePriority = "urgent"

	if err := taskCreateCmd.RunE(taskCreateCmd, []string{"x"}); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestTaskList_FiltersByStatus(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	mustEnqueue(t, p.ID, models.TaskSpec{Title: "first"})
	second := mustEnqueue(t, p.ID, models.TaskSpec{Title: "second"})
	if _, err := Registry.Checklist(p).Claim(context.Background(), second.TaskID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	taskListStatus = "in_progress"
	out := captureStdout(t, func() {
		if err := taskListCmd.RunE(taskListCmd, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "second") || strings.Contains(out, "first") {
		t.Errorf("expected only the in-progress task, got:\n%s", out)
	}
	if !strings.Contains(out, "@agent-1") {
		t.Errorf("expected assigned agent in listing:\n%s", out)
	}
}

func TestTaskList_InvalidStatus(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	taskListStatus = "review"

	err := taskListCmd.RunE(taskListCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid status") {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestTaskList_Empty(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)

	out := captureStdout(t, func() {
		if err := taskListCmd.RunE(taskListCmd, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "No tasks found.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestTaskShow(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "Write migration", Description: "add orders table"})

	out := captureStdout(t, func() {
		if err := taskShowCmd.RunE(taskShowCmd, []string{ref.String()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	for _, want := range []string{"Task " + ref.String(), "Write migration", "add orders table", "Retries:    0"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTaskShow_BadRef(t *testing.T) {
	resetTaskFlags(t)
	if err := taskShowCmd.RunE(taskShowCmd, []string{"T-0001"}); err == nil {
		t.Fatal("expected error for a ref without a project")
	}
}

func TestTaskNext_BlockingFirst(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	mustEnqueue(t, p.ID, models.TaskSpec{Title: "critical polish", Priority: models.PriorityCritical})
	mustEnqueue(t, p.ID, models.TaskSpec{Title: "unblock the build", Priority: models.PriorityLow, Blocking: true})

	taskJSON = true
	out := captureStdout(t, func() {
		if err := taskNextCmd.RunE(taskNextCmd, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "unblock the build") {
		t.Errorf("expected the blocking task to be offered:\n%s", out)
	}
	if strings.Contains(out, "critical polish") {
		t.Errorf("non-blocking task should wait behind the blocking one:\n%s", out)
	}
}

func TestTaskNext_UnknownKind(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	taskKinds = []string{"gardening"}

	err := taskNextCmd.RunE(taskNextCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown task kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestTaskClaim_RequiresAgent(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)

	err := taskClaimCmd.RunE(taskClaimCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "--agent is required") {
		t.Fatalf("expected --agent error, got %v", err)
	}
}

func TestTaskClaim_NothingEligible(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	registerProject(t, "shop")
	taskAgent = "agent-1"

	out := captureStdout(t, func() {
		if err := taskClaimCmd.RunE(taskClaimCmd, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(out, "No eligible tasks.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestTaskClaim_ClaimsAndCompletes(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "ship it"})

	taskAgent = "agent-1"
	out := captureStdout(t, func() {
		if err := taskClaimCmd.RunE(taskClaimCmd, nil); err != nil {
			t.Fatalf("claim: %v", err)
		}
	})
	if !strings.Contains(out, "Task "+ref.String()) {
		t.Errorf("claim output missing ref:\n%s", out)
	}
	if got := mustGetTask(t, ref); got.Status != models.StatusInProgress || got.AssignedAgent != "agent-1" {
		t.Fatalf("after claim: status=%s agent=%q", got.Status, got.AssignedAgent)
	}

	taskNotes = "merged"
	out = captureStdout(t, func() {
		if err := taskCompleteCmd.RunE(taskCompleteCmd, []string{ref.String()}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	})
	if !strings.Contains(out, "done") {
		t.Errorf("unexpected output: %s", out)
	}
	if got := mustGetTask(t, ref); got.Status != models.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
}

func TestTaskClaim_WaitReturnsAvailableWork(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "ready now"})

	taskAgent = "agent-1"
	taskClaimWait = true
	taskClaimTimeout = 5 * time.Second
	captureStdout(t, func() {
		if err := taskClaimCmd.RunE(taskClaimCmd, nil); err != nil {
			t.Fatalf("claim --wait: %v", err)
		}
	})
	if got := mustGetTask(t, ref); got.Status != models.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestTaskClaim_WaitTimesOut(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	registerProject(t, "shop")

	taskAgent = "agent-1"
	taskClaimWait = true
	taskClaimTimeout = 50 * time.Millisecond
	start := time.Now()
	err := taskClaimCmd.RunE(taskClaimCmd, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("wait did not honour --timeout")
	}
}

func TestTaskFail_RecoverableRequeues(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "flaky"})
	if _, err := Registry.Checklist(p).Claim(context.Background(), ref.TaskID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	taskAgent = "agent-1"
	taskReason = "network blip"
	taskRecoverable = true
	out := captureStdout(t, func() {
		if err := taskFailCmd.RunE(taskFailCmd, []string{ref.String()}); err != nil {
			t.Fatalf("fail: %v", err)
		}
	})
	if !strings.Contains(out, "requeued (retry 1)") {
		t.Errorf("unexpected output: %s", out)
	}
	if got := mustGetTask(t, ref); got.Status != models.StatusTodo {
		t.Errorf("status = %s, want todo", got.Status)
	}
}

func TestTaskFail_RequiresReason(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)

	err := taskFailCmd.RunE(taskFailCmd, []string{"proj-x:T-0001"})
	if err == nil || !strings.Contains(err.Error(), "--reason is required") {
		t.Fatalf("expected --reason error, got %v", err)
	}
}

func TestTaskRequeue_ExhaustionBlocksThenUnblock(t *testing.T) {
	withArmy(t, 0)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "fragile"})
	if _, err := Registry.Checklist(p).Claim(context.Background(), ref.TaskID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	taskAgent = "agent-1"
	taskReason = "gave up"
	out := captureStdout(t, func() {
		if err := taskRequeueCmd.RunE(taskRequeueCmd, []string{ref.String()}); err != nil {
			t.Fatalf("requeue should report exhaustion without failing: %v", err)
		}
	})
	if !strings.Contains(out, "blocked after") {
		t.Errorf("unexpected output: %s", out)
	}
	if got := mustGetTask(t, ref); got.Status != models.StatusBlocked {
		t.Fatalf("status = %s, want blocked", got.Status)
	}

	taskNotes = "fixed upstream"
	out = captureStdout(t, func() {
		if err := taskUnblockCmd.RunE(taskUnblockCmd, []string{ref.String()}); err != nil {
			t.Fatalf("unblock: %v", err)
		}
	})
	if !strings.Contains(out, "back in the queue") {
		t.Errorf("unexpected output: %s", out)
	}
	got := mustGetTask(t, ref)
	if got.Status != models.StatusTodo || got.RetryCount != 0 {
		t.Errorf("after unblock: status=%s retries=%d", got.Status, got.RetryCount)
	}
}

func TestTaskUnblock_NotBlocked(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "fine"})

	if err := taskUnblockCmd.RunE(taskUnblockCmd, []string{ref.String()}); err == nil {
		t.Fatal("expected error unblocking a todo task")
	}
}

func TestTaskEditing(t *testing.T) {
	withArmy(t, 3)
	resetTaskFlags(t)
	p := registerProject(t, "shop")
	first := mustEnqueue(t, p.ID, models.TaskSpec{Title: "schema"})
	second := mustEnqueue(t, p.ID, models.TaskSpec{Title: "api"})

	run := func(name string, fn func() error) {
		t.Helper()
		captureStdout(t, func() {
			if err := fn(); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		})
	}

	taskAgent = "reviewer"
	run("note", func() error { return taskNoteCmd.RunE(taskNoteCmd, []string{second.String(), "needs pagination"}) })
	run("coverage", func() error {
		return taskCoverageCmd.RunE(taskCoverageCmd, []string{second.String(), "unit", "7"})
	})
	run("subtask add", func() error {
		return taskSubtaskAddCmd.RunE(taskSubtaskAddCmd, []string{second.String(), "handlers"})
	})
	run("depend", func() error { return taskDependCmd.RunE(taskDependCmd, []string{second.String(), first.TaskID}) })
	run("blocking", func() error { return taskBlockingCmd.RunE(taskBlockingCmd, []string{first.String(), "true"}) })

	got := mustGetTask(t, second)
	if len(got.Notes) == 0 || got.Notes[len(got.Notes)-1].Text != "needs pagination" {
		t.Errorf("notes = %+v", got.Notes)
	}
	if got.TestCoverage.Unit != 7 {
		t.Errorf("unit coverage = %d, want 7", got.TestCoverage.Unit)
	}
	if len(got.Subtasks) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(got.Subtasks))
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != first.TaskID {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if !mustGetTask(t, first).Blocking {
		t.Error("expected first task to be blocking")
	}

	run("subtask status", func() error {
		return taskSubtaskStatusCmd.RunE(taskSubtaskStatusCmd, []string{second.String(), got.Subtasks[0].ID, "done"})
	})
	if pct := mustGetTask(t, second).PercentComplete(); pct != 100 {
		t.Errorf("percent complete = %.0f, want 100", pct)
	}
}

func TestTaskCoverage_InvalidCount(t *testing.T) {
	resetTaskFlags(t)
	err := taskCoverageCmd.RunE(taskCoverageCmd, []string{"proj-x:T-0001", "unit", "many"})
	if err == nil || !strings.Contains(err.Error(), "invalid count") {
		t.Fatalf("expected invalid count error, got %v", err)
	}
}

func TestTaskBlocking_InvalidValue(t *testing.T) {
	resetTaskFlags(t)
	if err := taskBlockingCmd.RunE(taskBlockingCmd, []string{"proj-x:T-0001", "maybe"}); err == nil {
		t.Fatal("expected error for a non-boolean value")
	}
}

func TestChecklistFor_FallsBackToRegistry(t *testing.T) {
	withArmy(t, 3)
	p := registerProject(t, "paused")
	mustEnqueue(t, p.ID, models.TaskSpec{Title: "later"})
	Queue.RemoveSource(p.ID)

	cl, err := checklistFor(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("checklistFor: %v", err)
	}
	tasks, err := cl.ListTasks(context.Background(), core.TaskFilter{})
	if err != nil || len(tasks) != 1 {
		t.Errorf("ListTasks = %d tasks, %v", len(tasks), err)
	}
}
