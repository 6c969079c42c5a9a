package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/pkg/models"
	"gopkg.in/yaml.v3"
)

var initProject string

// initSpec is the on-disk shape of a project plan passed to "army init".
type initSpec struct {
	ProjectName string            `yaml:"project_name"`
	Tasks       []models.TaskSpec `yaml:"tasks"`
}

var initCmd = &cobra.Command{
	Use:   "init <plan.yaml>",
	Short: "Seed an empty project checklist from a YAML plan",
	Long: `Seed a project's checklist from a YAML plan:

  project_name: payments
  tasks:
    - title: Design schema
      priority: HIGH
      blocking: true
    - title: Implement API
      depends_on: [Design schema]
      subtasks: [handlers, validation]

Tasks may refer to earlier tasks in the same plan by title through
depends_on. Initialisation only works on a checklist with no tasks yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initProject == "" {
			return fmt.Errorf("--project is required")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading plan: %w", err)
		}
		var plan initSpec
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("parsing plan %s: %w", args[0], err)
		}
		if len(plan.Tasks) == 0 {
			return fmt.Errorf("plan %s declares no tasks", args[0])
		}

		ctx := context.Background()
		cl, err := checklistFor(ctx, initProject)
		if err != nil {
			return fmt.Errorf("opening project: %w", err)
		}
		tasks, err := cl.Initialize(ctx, plan.ProjectName, plan.Tasks)
		if err != nil {
			return fmt.Errorf("initializing checklist: %w", err)
		}

		fmt.Printf("Initialized %s with %d task(s):\n", initProject, len(tasks))
		for _, t := range tasks {
			printTaskLine(models.TaskRef{ProjectID: initProject, TaskID: t.ID}, t)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initProject, "project", "p", "", "Project whose checklist to seed")
	rootCmd.AddCommand(initCmd)
}
