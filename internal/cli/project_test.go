package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

func resetProjectFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		projectPriority, projectStatus, projectTag = 5, "", ""
		projectJSON, projectUnassign = false, false
	}
	reset()
	t.Cleanup(reset)
}

func TestProjectCmd_NilRegistry(t *testing.T) {
	origRegistry := Registry
	defer func() { Registry = origRegistry }()
	Registry = nil

	cmds := map[string]func() error{
		"register": func() error { return projectRegisterCmd.RunE(projectRegisterCmd, []string{"a", "/tmp"}) },
		"list":     func() error { return projectListCmd.RunE(projectListCmd, nil) },
		"workload": func() error { return projectWorkloadCmd.RunE(projectWorkloadCmd, nil) },
		"report":   func() error { return projectReportCmd.RunE(projectReportCmd, nil) },
	}
	for name, run := range cmds {
		err := run()
		if err == nil || !strings.Contains(err.Error(), "project registry not initialized") {
			t.Errorf("%s: expected registry error, got %v", name, err)
		}
	}
}

func TestProjectRegister_AddsQueueSource(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	projectPriority = 2
	dir := t.TempDir()

	out := captureStdout(t, func() {
		if err := projectRegisterCmd.RunE(projectRegisterCmd, []string{"billing", dir}); err != nil {
			t.Fatalf("register: %v", err)
		}
	})
	if !strings.Contains(out, "Registered project proj-") || !strings.Contains(out, "Priority: 2") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if len(Queue.Sources()) != 1 {
		t.Errorf("queue sources = %v, want one", Queue.Sources())
	}
}

func TestProjectRegister_InvalidPriority(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	projectPriority = 0

	if err := projectRegisterCmd.RunE(projectRegisterCmd, []string{"billing", t.TempDir()}); err == nil {
		t.Fatal("expected validation error for priority 0")
	}
}

func TestProjectList(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	a := registerProject(t, "alpha")
	registerProject(t, "beta")
	if _, err := Registry.UpdateStatus(context.Background(), a.ID, models.ProjectPaused); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	projectStatus = "paused"
	out := captureStdout(t, func() {
		if err := projectListCmd.RunE(projectListCmd, nil); err != nil {
			t.Fatalf("list: %v", err)
		}
	})
	if !strings.Contains(out, "alpha") || strings.Contains(out, "beta") {
		t.Errorf("expected only the paused project:\n%s", out)
	}
}

func TestProjectStatus_SyncsQueue(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	p := registerProject(t, "alpha")

	captureStdout(t, func() {
		if err := projectStatusCmd.RunE(projectStatusCmd, []string{p.ID, "paused"}); err != nil {
			t.Fatalf("status: %v", err)
		}
	})
	if len(Queue.Sources()) != 0 {
		t.Errorf("paused project still a queue source: %v", Queue.Sources())
	}

	captureStdout(t, func() {
		if err := projectStatusCmd.RunE(projectStatusCmd, []string{p.ID, "active"}); err != nil {
			t.Fatalf("status: %v", err)
		}
	})
	if len(Queue.Sources()) != 1 {
		t.Errorf("reactivated project missing from queue: %v", Queue.Sources())
	}
}

func TestProjectAssign(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	p := registerProject(t, "alpha")

	out := captureStdout(t, func() {
		if err := projectAssignCmd.RunE(projectAssignCmd, []string{p.ID, "agent-7"}); err != nil {
			t.Fatalf("assign: %v", err)
		}
	})
	if !strings.Contains(out, "agent-7") {
		t.Errorf("unexpected output: %s", out)
	}

	projectUnassign = true
	captureStdout(t, func() {
		if err := projectAssignCmd.RunE(projectAssignCmd, []string{p.ID, "agent-7"}); err != nil {
			t.Fatalf("unassign: %v", err)
		}
	})
	got, err := Registry.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.AgentsAssigned) != 0 {
		t.Errorf("agents = %v, want none", got.AgentsAssigned)
	}
}

func TestProjectTagAndMeta(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	p := registerProject(t, "alpha")

	captureStdout(t, func() {
		if err := projectTagCmd.RunE(projectTagCmd, []string{p.ID, "backend"}); err != nil {
			t.Fatalf("tag: %v", err)
		}
	})
	out := captureStdout(t, func() {
		if err := projectMetaCmd.RunE(projectMetaCmd, []string{p.ID, "owner", "team-a"}); err != nil {
			t.Fatalf("meta: %v", err)
		}
	})
	if !strings.Contains(out, "owner=team-a") {
		t.Errorf("unexpected output: %s", out)
	}

	got, err := Registry.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "backend" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Metadata["owner"] != "team-a" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if err := projectTagCmd.RunE(projectTagCmd, []string{p.ID, " "}); err == nil {
		t.Error("expected error for an empty tag")
	}
}

func TestProjectWorkload_SortedByLoad(t *testing.T) {
	withArmy(t, 3)
	resetProjectFlags(t)
	light := registerProject(t, "light")
	heavy := registerProject(t, "heavy")
	mustEnqueue(t, light.ID, models.TaskSpec{Title: "small", Priority: models.PriorityLow})
	mustEnqueue(t, heavy.ID, models.TaskSpec{Title: "big", Priority: models.PriorityCritical})

	out := captureStdout(t, func() {
		if err := projectWorkloadCmd.RunE(projectWorkloadCmd, nil); err != nil {
			t.Fatalf("workload: %v", err)
		}
	})
	if strings.Index(out, heavy.ID) > strings.Index(out, light.ID) {
		t.Errorf("expected the heavier project first:\n%s", out)
	}
	if !strings.Contains(out, "8.0") || !strings.Contains(out, "1.0") {
		t.Errorf("expected default weights in output:\n%s", out)
	}
}

func TestProjectReport_ShowsStalled(t *testing.T) {
	withArmy(t, 0)
	resetProjectFlags(t)
	p := registerProject(t, "stuck")
	ref := mustEnqueue(t, p.ID, models.TaskSpec{Title: "doomed"})
	ctx := context.Background()
	if _, err := Registry.Checklist(p).Claim(ctx, ref.TaskID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := Queue.ReportFailure(ctx, ref, "agent-1", "broken", false); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	out := captureStdout(t, func() {
		if err := projectReportCmd.RunE(projectReportCmd, nil); err != nil {
			t.Fatalf("report: %v", err)
		}
	})
	if !strings.Contains(out, "blocked, not idle") {
		t.Errorf("expected stalled health in report:\n%s", out)
	}
	if !strings.Contains(out, "Stalled (blocked, not idle): "+p.ID) {
		t.Errorf("expected stalled project list:\n%s", out)
	}
}
