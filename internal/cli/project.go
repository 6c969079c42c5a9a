package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

var (
	projectPriority int
	projectStatus   string
	projectTag      string
	projectJSON     bool
	projectUnassign bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
	Long: `Register projects with the army and inspect their health and workload.

Each project owns one checklist file in its directory. Registered active
projects are scanned by the cross-project task queue.`,
}

var projectRegisterCmd = &cobra.Command{
	Use:   "register <name> <path>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		ctx := context.Background()
		p, err := Registry.Register(ctx, args[0], args[1], projectPriority)
		if err != nil {
			return fmt.Errorf("registering project: %w", err)
		}
		if Queue != nil {
			Queue.AddSource(p.ID, Registry.Checklist(p))
		}
		fmt.Printf("Registered project %s\n", p.ID)
		fmt.Printf("  Name:     %s\n", p.Name)
		fmt.Printf("  Path:     %s\n", p.Path)
		fmt.Printf("  Priority: %d\n", p.Priority)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		filter := core.ProjectFilter{Tag: projectTag}
		if projectStatus != "" {
			filter.Status = []models.ProjectStatus{models.ProjectStatus(projectStatus)}
		}
		projects, err := Registry.List(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("listing projects: %w", err)
		}
		if projectJSON {
			return printJSON(projects)
		}
		if len(projects) == 0 {
			fmt.Println("No projects registered.")
			return nil
		}
		for _, p := range projects {
			agents := "-"
			if len(p.AgentsAssigned) > 0 {
				agents = strings.Join(p.AgentsAssigned, ",")
			}
			fmt.Printf("%-14s %-10s p%-3d %-20s %s  agents: %s\n", p.ID, p.Status, p.Priority, p.Name, p.Path, agents)
		}
		return nil
	},
}

var projectStatusCmd = &cobra.Command{
	Use:   "status <project-id> <active|paused|completed|archived>",
	Short: "Change a project's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		ctx := context.Background()
		p, err := Registry.UpdateStatus(ctx, args[0], models.ProjectStatus(args[1]))
		if err != nil {
			return fmt.Errorf("updating project status: %w", err)
		}
		if Queue != nil {
			if err := Registry.SyncQueue(ctx, Queue); err != nil {
				return fmt.Errorf("syncing queue sources: %w", err)
			}
		}
		fmt.Printf("Project %s is now %s\n", p.ID, p.Status)
		return nil
	},
}

var projectAssignCmd = &cobra.Command{
	Use:   "assign <project-id> <agent-id>",
	Short: "Assign an agent to a project (or remove it with --remove)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		ctx := context.Background()
		var (
			p   *models.Project
			err error
		)
		if projectUnassign {
			p, err = Registry.UnassignAgent(ctx, args[0], args[1])
		} else {
			p, err = Registry.AssignAgent(ctx, args[0], args[1])
		}
		if err != nil {
			return fmt.Errorf("updating project agents: %w", err)
		}
		fmt.Printf("Project %s agents: %s\n", p.ID, strings.Join(p.AgentsAssigned, ", "))
		return nil
	},
}

var projectTagCmd = &cobra.Command{
	Use:   "tag <project-id> <tag>",
	Short: "Tag a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		p, err := Registry.AddTag(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("tagging project: %w", err)
		}
		fmt.Printf("Project %s tags: %s\n", p.ID, strings.Join(p.Tags, ", "))
		return nil
	},
}

var projectMetaCmd = &cobra.Command{
	Use:   "meta <project-id> <key> <value>",
	Short: "Set a metadata entry on a project",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		p, err := Registry.SetMetadata(context.Background(), args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("setting project metadata: %w", err)
		}
		fmt.Printf("Project %s: %s=%s\n", p.ID, args[1], p.Metadata[args[1]])
		return nil
	},
}

var projectWorkloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Show the workload score of every active project",
	Long: `Show each active project's workload: the sum of priority weights over
its eligible tasks minus the number of tasks in progress. Higher scores mean
more claimable work per agent already busy there.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		loads, err := Registry.ComputeWorkload(context.Background())
		if err != nil {
			return fmt.Errorf("computing workload: %w", err)
		}
		if projectJSON {
			return printJSON(loads)
		}
		if len(loads) == 0 {
			fmt.Println("No active projects.")
			return nil
		}
		ids := make([]string, 0, len(loads))
		for id := range loads {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if loads[ids[i]] != loads[ids[j]] {
				return loads[ids[i]] > loads[ids[j]]
			}
			return ids[i] < ids[j]
		})
		for _, id := range ids {
			fmt.Printf("  %-14s %6.1f\n", id, loads[id])
		}
		return nil
	},
}

var projectReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report health and progress for every project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		ctx := context.Background()
		reports, err := Registry.Report(ctx)
		if err != nil {
			return fmt.Errorf("building report: %w", err)
		}
		summary, err := Registry.Summary(ctx)
		if err != nil {
			return fmt.Errorf("summarising registry: %w", err)
		}
		if projectJSON {
			return printJSON(map[string]any{"projects": reports, "summary": summary})
		}

		fmt.Printf("%d project(s), %d task(s), %.0f%% complete, %d agent(s)\n\n",
			summary.Projects, summary.Tasks, summary.CompletionRate, summary.Agents)
		for _, r := range reports {
			health := "-"
			if r.Summary != nil {
				health = r.Summary.Health.Describe()
			}
			fmt.Printf("%s  %s (%s)\n", r.Project.ID, r.Project.Name, r.Project.Status)
			fmt.Printf("    health:   %s\n", health)
			if r.Summary != nil {
				s := r.Summary
				fmt.Printf("    progress: %.0f%% of %d task(s)\n", s.PercentComplete, s.Total)
				fmt.Printf("    status:   todo %d, in progress %d, blocked %d, done %d\n",
					s.ByStatus[models.StatusTodo], s.ByStatus[models.StatusInProgress],
					s.ByStatus[models.StatusBlocked], s.ByStatus[models.StatusDone])
				fmt.Printf("    eligible: %d, blocking: %d\n", s.Eligible, s.Blocking)
			}
			fmt.Printf("    workload: %.1f\n\n", r.Workload)
		}
		if len(summary.StalledProjects) > 0 {
			fmt.Printf("Stalled (blocked, not idle): %s\n", strings.Join(summary.StalledProjects, ", "))
		}
		return nil
	},
}

func init() {
	projectRegisterCmd.Flags().IntVar(&projectPriority, "priority", 5, "Project priority (1 is most important)")
	projectListCmd.Flags().StringVar(&projectStatus, "status", "", "Only list projects with this status")
	projectListCmd.Flags().StringVar(&projectTag, "tag", "", "Only list projects with this tag")
	projectListCmd.Flags().BoolVar(&projectJSON, "json", false, "Output as JSON")
	projectWorkloadCmd.Flags().BoolVar(&projectJSON, "json", false, "Output as JSON")
	projectReportCmd.Flags().BoolVar(&projectJSON, "json", false, "Output as JSON")
	projectAssignCmd.Flags().BoolVar(&projectUnassign, "remove", false, "Remove the agent instead of adding it")

	projectCmd.AddCommand(projectRegisterCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatusCmd)
	projectCmd.AddCommand(projectAssignCmd)
	projectCmd.AddCommand(projectTagCmd)
	projectCmd.AddCommand(projectMetaCmd)
	projectCmd.AddCommand(projectWorkloadCmd)
	projectCmd.AddCommand(projectReportCmd)
	rootCmd.AddCommand(projectCmd)
}
