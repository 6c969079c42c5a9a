package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, claim and report on tasks",
	Long: `Task lifecycle commands.

Tasks are addressed as <project-id>:<task-id>, e.g. proj-1a2b3c4d:T-0007,
because task ids are only unique within their project's checklist.`,
}

// Flags shared by several task subcommands.
var (
	taskProject      string
	taskAgent        string
	taskJSON         bool
	taskCapabilities []string
	taskKinds        []string
)

// Flags for "task create".
var (
	taskCreateDescription string
	taskCreateKind        string
	taskCreatePriority    string
	taskCreateBlocking    bool
	taskCreateCapability  string
	taskCreateDepends     []string
	taskCreatePayload     []string
	taskCreateSubtasks    []string
)

// Flags for list, claim and the reporting commands.
var (
	taskListStatus   string
	taskListBlocking bool
	taskNextLimit    int
	taskClaimWait    bool
	taskClaimTimeout time.Duration
	taskNotes        string
	taskReason       string
	taskRecoverable  bool
)

// checklistFor finds the checklist of projectID. Paused and completed
// projects are not queue sources, so it falls back to the registry.
func checklistFor(ctx context.Context, projectID string) (core.ChecklistManager, error) {
	if Queue != nil {
		if src, err := Queue.Source(projectID); err == nil {
			return src, nil
		}
	}
	if Registry == nil {
		return nil, fmt.Errorf("project registry not initialized")
	}
	p, err := Registry.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Registry.Checklist(p), nil
}

func eligibilityFilter() (core.EligibilityFilter, error) {
	filter := core.EligibilityFilter{Capabilities: taskCapabilities}
	for _, k := range taskKinds {
		kind := models.TaskKind(k)
		if !kind.Valid() {
			return filter, fmt.Errorf("unknown task kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	return filter, nil
}

func requireQueue() error {
	if Queue == nil {
		return fmt.Errorf("task queue not initialized")
	}
	return nil
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Add a task to a project's checklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		if taskProject == "" {
			return fmt.Errorf("--project is required")
		}
		payload, err := parsePayload(taskCreatePayload)
		if err != nil {
			return err
		}
		spec := models.TaskSpec{
			Title:        args[0],
			Description:  taskCreateDescription,
			Kind:         models.TaskKind(taskCreateKind),
			Blocking:     taskCreateBlocking,
			Capability:   taskCreateCapability,
			Dependencies: taskCreateDepends,
			Payload:      payload,
			Subtasks:     taskCreateSubtasks,
		}
		if taskCreatePriority != "" {
			p, err := models.ParsePriority(taskCreatePriority)
			if err != nil {
				return err
			}
			spec.Priority = p
		}

		task, err := Queue.Enqueue(context.Background(), taskProject, spec)
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		ref := models.TaskRef{ProjectID: taskProject, TaskID: task.ID}
		fmt.Printf("Created task %s\n", ref)
		fmt.Printf("  Priority: %s\n", task.Priority)
		fmt.Printf("  Kind:     %s\n", task.Kind)
		if task.Blocking {
			fmt.Println("  Blocking: yes (other tasks in this project wait for it)")
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks across projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		ctx := context.Background()
		filter := core.TaskFilter{Agent: taskAgent, BlockingOnly: taskListBlocking}
		if taskListStatus != "" {
			status := models.TaskStatus(taskListStatus)
			if !status.Valid() {
				return fmt.Errorf("invalid status %q: must be one of todo, in_progress, blocked, done", taskListStatus)
			}
			filter.Status = []models.TaskStatus{status}
		}

		projects := Queue.Sources()
		if taskProject != "" {
			projects = []string{taskProject}
		}

		type listed struct {
			Ref  models.TaskRef `json:"ref"`
			Task *models.Task   `json:"task"`
		}
		var all []listed
		for _, projectID := range projects {
			cl, err := checklistFor(ctx, projectID)
			if err != nil {
				return fmt.Errorf("opening project %s: %w", projectID, err)
			}
			tasks, err := cl.ListTasks(ctx, filter)
			if err != nil {
				return fmt.Errorf("listing tasks in %s: %w", projectID, err)
			}
			for _, t := range tasks {
				all = append(all, listed{Ref: models.TaskRef{ProjectID: projectID, TaskID: t.ID}, Task: t})
			}
		}

		if taskJSON {
			return printJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		for _, l := range all {
			printTaskLine(l.Ref, l.Task)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <project:task>",
	Short: "Show a task in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := models.ParseTaskRef(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		cl, err := checklistFor(ctx, ref.ProjectID)
		if err != nil {
			return fmt.Errorf("opening project: %w", err)
		}
		t, err := cl.GetTask(ctx, ref.TaskID)
		if err != nil {
			return fmt.Errorf("getting task: %w", err)
		}
		if taskJSON {
			return printJSON(t)
		}
		printTaskDetail(ref, t)
		return nil
	},
}

var taskNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Preview the tasks an agent would be handed next, without claiming",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		filter, err := eligibilityFilter()
		if err != nil {
			return err
		}
		candidates, err := Queue.Peek(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("scanning queue: %w", err)
		}
		if taskNextLimit > 0 && len(candidates) > taskNextLimit {
			candidates = candidates[:taskNextLimit]
		}
		if taskJSON {
			return printJSON(candidates)
		}
		if len(candidates) == 0 {
			fmt.Println("No eligible tasks.")
			return nil
		}
		for _, c := range candidates {
			printTaskLine(c.Ref, c.Task)
		}
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next eligible task for an agent",
	Long: `Claim the highest-priority eligible task across all active projects.

With --wait the command blocks until work becomes available, waking on
queue announcements, on changes to any project's checklist file, and on a
poll interval as a fallback.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		if taskAgent == "" {
			return fmt.Errorf("--agent is required")
		}
		filter, err := eligibilityFilter()
		if err != nil {
			return err
		}
		opts := core.WorkerOptions{Kinds: filter.Kinds, Registry: Registry, Logger: Logger}
		if Config != nil {
			opts.PollInterval = Config.WorkerPollInterval
		}
		w := core.NewWorker(taskAgent, filter.Capabilities, Queue, Bus, opts)

		ctx := context.Background()
		var claim *core.Claim
		if taskClaimWait {
			if taskClaimTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, taskClaimTimeout)
				defer cancel()
			}
			claim, err = w.WaitForWork(ctx, checklistPaths())
		} else {
			claim, err = w.ClaimNext(ctx)
		}
		if err != nil {
			return fmt.Errorf("claiming task: %w", err)
		}
		if claim == nil {
			fmt.Println("No eligible tasks.")
			return nil
		}
		if taskJSON {
			return printJSON(claim)
		}
		printTaskDetail(claim.Ref, claim.Task)
		return nil
	},
}

// checklistPaths lists the checklist files of every queue source.
func checklistPaths() []string {
	var paths []string
	for _, id := range Queue.Sources() {
		if src, err := Queue.Source(id); err == nil {
			paths = append(paths, src.Path())
		}
	}
	return paths
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <project:task>",
	Short: "Mark a claimed task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		ref, err := models.ParseTaskRef(args[0])
		if err != nil {
			return err
		}
		if _, err := Queue.ReportSuccess(context.Background(), ref, taskAgent, taskNotes); err != nil {
			return fmt.Errorf("completing %s: %w", ref, err)
		}
		fmt.Printf("Task %s done\n", ref)
		return nil
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <project:task>",
	Short: "Report a failed attempt at a claimed task",
	Long: `Report that an attempt failed. With --recoverable the task goes back to
the queue until its retry budget runs out, after which it is blocked.
Without it the task is blocked immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		if taskReason == "" {
			return fmt.Errorf("--reason is required")
		}
		ref, err := models.ParseTaskRef(args[0])
		if err != nil {
			return err
		}
		t, err := Queue.ReportFailure(context.Background(), ref, taskAgent, taskReason, taskRecoverable)
		return reportRelease(ref, t, err)
	},
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue <project:task>",
	Short: "Hand a claimed task back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		ref, err := models.ParseTaskRef(args[0])
		if err != nil {
			return err
		}
		t, err := Queue.Requeue(context.Background(), ref, taskAgent, taskReason)
		return reportRelease(ref, t, err)
	},
}

// reportRelease prints the outcome of a requeue or failure. Exhausting the
// retry budget is an outcome, not a command failure.
func reportRelease(ref models.TaskRef, t *models.Task, err error) error {
	if errors.Is(err, errors.ErrRetryExhausted) && t != nil {
		fmt.Printf("Task %s blocked after %d retries; run 'army task unblock %s' once fixed\n", ref, t.RetryCount, ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing %s: %w", ref, err)
	}
	if t.Status == models.StatusBlocked {
		fmt.Printf("Task %s blocked\n", ref)
		return nil
	}
	fmt.Printf("Task %s requeued (retry %d)\n", ref, t.RetryCount)
	return nil
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <project:task>",
	Short: "Return a blocked task to the queue with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireQueue(); err != nil {
			return err
		}
		ref, err := models.ParseTaskRef(args[0])
		if err != nil {
			return err
		}
		if _, err := Queue.Unblock(context.Background(), ref, taskNotes); err != nil {
			return fmt.Errorf("unblocking %s: %w", ref, err)
		}
		fmt.Printf("Task %s is back in the queue\n", ref)
		return nil
	},
}

var taskNoteCmd = &cobra.Command{
	Use:   "note <project:task> <text>",
	Short: "Append a note to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			if _, err := cl.AddNote(ctx, ref.TaskID, taskAgent, args[1]); err != nil {
				return fmt.Errorf("adding note: %w", err)
			}
			fmt.Printf("Noted on %s\n", ref)
			return nil
		})
	},
}

var taskCoverageCmd = &cobra.Command{
	Use:   "coverage <project:task> <unit|integration|e2e|api> <count>",
	Short: "Record how many tests of a kind a task has",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid count %q", args[2])
		}
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			t, err := cl.UpdateTestCoverage(ctx, ref.TaskID, models.CoverageKind(args[1]), count)
			if err != nil {
				return fmt.Errorf("updating coverage: %w", err)
			}
			fmt.Printf("Task %s now has %d test(s)\n", ref, t.TestCoverage.Total())
			return nil
		})
	},
}

var taskSubtaskCmd = &cobra.Command{
	Use:   "subtask",
	Short: "Manage a task's subtasks",
}

var taskSubtaskAddCmd = &cobra.Command{
	Use:   "add <project:task> <title>",
	Short: "Add a subtask",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			st, err := cl.AddSubtask(ctx, ref.TaskID, args[1])
			if err != nil {
				return fmt.Errorf("adding subtask: %w", err)
			}
			fmt.Printf("Added subtask %s to %s\n", st.ID, ref)
			return nil
		})
	},
}

var taskSubtaskStatusCmd = &cobra.Command{
	Use:   "status <project:task> <subtask-id> <status>",
	Short: "Set a subtask's status",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			t, err := cl.UpdateSubtaskStatus(ctx, ref.TaskID, args[1], models.TaskStatus(args[2]))
			if err != nil {
				return fmt.Errorf("updating subtask: %w", err)
			}
			fmt.Printf("Task %s is %.0f%% complete\n", ref, t.PercentComplete())
			return nil
		})
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <project:task> <depends-on-task-id>",
	Short: "Make a task wait for another task in the same project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			t, err := cl.AddDependency(ctx, ref.TaskID, args[1])
			if err != nil {
				return fmt.Errorf("adding dependency: %w", err)
			}
			fmt.Printf("Task %s now depends on %v\n", ref, t.Dependencies)
			return nil
		})
	},
}

var taskBlockingCmd = &cobra.Command{
	Use:   "blocking <project:task> <true|false>",
	Short: "Mark or unmark a task as blocking its project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		blocking, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid value %q, expected true or false", args[1])
		}
		return withTask(args[0], func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error {
			if _, err := cl.SetBlocking(ctx, ref.TaskID, blocking); err != nil {
				return fmt.Errorf("setting blocking: %w", err)
			}
			fmt.Printf("Task %s blocking=%t\n", ref, blocking)
			return nil
		})
	},
}

// withTask resolves a "project:task" argument to its checklist and runs fn.
func withTask(arg string, fn func(ctx context.Context, cl core.ChecklistManager, ref models.TaskRef) error) error {
	ref, err := models.ParseTaskRef(arg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cl, err := checklistFor(ctx, ref.ProjectID)
	if err != nil {
		return fmt.Errorf("opening project: %w", err)
	}
	return fn(ctx, cl, ref)
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Project that owns the task")
	taskCreateCmd.Flags().StringVar(&taskCreateDescription, "description", "", "Longer description")
	taskCreateCmd.Flags().StringVar(&taskCreateKind, "kind", "", "Task kind (implementation, verification, testing, remediation, documentation, review)")
	taskCreateCmd.Flags().StringVar(&taskCreatePriority, "priority", "", "Priority (CRITICAL, HIGH, MEDIUM, LOW)")
	taskCreateCmd.Flags().BoolVar(&taskCreateBlocking, "blocking", false, "Halt the rest of the project until this task is done")
	taskCreateCmd.Flags().StringVar(&taskCreateCapability, "capability", "", "Capability an agent needs to claim the task")
	taskCreateCmd.Flags().StringSliceVar(&taskCreateDepends, "depends", nil, "Task ids that must be done first")
	taskCreateCmd.Flags().StringSliceVar(&taskCreatePayload, "payload", nil, "Payload entries as key=value")
	taskCreateCmd.Flags().StringSliceVar(&taskCreateSubtasks, "subtask", nil, "Subtask titles")

	taskListCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Only list this project")
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Only list tasks with this status")
	taskListCmd.Flags().StringVar(&taskAgent, "agent", "", "Only list tasks assigned to this agent")
	taskListCmd.Flags().BoolVar(&taskListBlocking, "blocking", false, "Only list blocking tasks")
	taskListCmd.Flags().BoolVar(&taskJSON, "json", false, "Output as JSON")

	taskShowCmd.Flags().BoolVar(&taskJSON, "json", false, "Output as JSON")

	taskNextCmd.Flags().StringSliceVar(&taskCapabilities, "capability", nil, "Capabilities the agent offers")
	taskNextCmd.Flags().StringSliceVar(&taskKinds, "kind", nil, "Task kinds the agent accepts")
	taskNextCmd.Flags().IntVar(&taskNextLimit, "limit", 10, "Maximum number of tasks to show")
	taskNextCmd.Flags().BoolVar(&taskJSON, "json", false, "Output as JSON")

	taskClaimCmd.Flags().StringVar(&taskAgent, "agent", "", "Claiming agent id")
	taskClaimCmd.Flags().StringSliceVar(&taskCapabilities, "capability", nil, "Capabilities the agent offers")
	taskClaimCmd.Flags().StringSliceVar(&taskKinds, "kind", nil, "Task kinds the agent accepts")
	taskClaimCmd.Flags().BoolVar(&taskClaimWait, "wait", false, "Block until a task can be claimed")
	taskClaimCmd.Flags().DurationVar(&taskClaimTimeout, "timeout", 0, "Give up waiting after this long (with --wait)")
	taskClaimCmd.Flags().BoolVar(&taskJSON, "json", false, "Output as JSON")

	taskCompleteCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent reporting completion")
	taskCompleteCmd.Flags().StringVar(&taskNotes, "notes", "", "Completion notes")

	taskFailCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent reporting the failure")
	taskFailCmd.Flags().StringVar(&taskReason, "reason", "", "What went wrong")
	taskFailCmd.Flags().BoolVar(&taskRecoverable, "recoverable", false, "Requeue instead of blocking")

	taskRequeueCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent releasing the task")
	taskRequeueCmd.Flags().StringVar(&taskReason, "reason", "", "Why the task is released")

	taskUnblockCmd.Flags().StringVar(&taskNotes, "note", "", "Why the task can proceed")

	taskNoteCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent writing the note")

	taskSubtaskCmd.AddCommand(taskSubtaskAddCmd)
	taskSubtaskCmd.AddCommand(taskSubtaskStatusCmd)

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskNextCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskRequeueCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	taskCmd.AddCommand(taskNoteCmd)
	taskCmd.AddCommand(taskCoverageCmd)
	taskCmd.AddCommand(taskSubtaskCmd)
	taskCmd.AddCommand(taskDependCmd)
	taskCmd.AddCommand(taskBlockingCmd)
	rootCmd.AddCommand(taskCmd)
}
