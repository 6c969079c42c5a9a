package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	armymcp "github.com/valter-silva-au/agent-army/internal/mcp"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display task and agent metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include claim, completion, requeue and block counts, retry
exhaustions, completions per agent and per project, and mean cycle time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (observability may be disabled)")
		}

		sinceTime, err := parseSinceDuration(metricsSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		if metricsJSON {
			return printJSON(metrics)
		}

		fmt.Printf("Metrics (since %s)\n\n", sinceTime.Format("2006-01-02 15:04"))
		fmt.Printf("  %-24s %d\n", "Events recorded:", metrics.EventCount)
		fmt.Printf("  %-24s %d\n", "Tasks created:", metrics.TasksCreated)
		fmt.Printf("  %-24s %d\n", "Tasks claimed:", metrics.TasksClaimed)
		fmt.Printf("  %-24s %d\n", "Tasks completed:", metrics.TasksCompleted)
		fmt.Printf("  %-24s %d\n", "Tasks requeued:", metrics.TasksRequeued)
		fmt.Printf("  %-24s %d\n", "Tasks blocked:", metrics.TasksBlocked)
		fmt.Printf("  %-24s %d\n", "Tasks unblocked:", metrics.TasksUnblocked)
		fmt.Printf("  %-24s %d\n", "Retry exhaustions:", metrics.RetryExhaustions)
		fmt.Printf("  %-24s %d\n", "Invalid transitions:", metrics.InvalidTransitions)
		fmt.Printf("  %-24s %d\n", "Messages published:", metrics.MessagesPublished)
		fmt.Printf("  %-24s %d\n", "Projects registered:", metrics.ProjectsRegistered)
		if metrics.MeanCycleTime > 0 {
			fmt.Printf("  %-24s %s\n", "Mean cycle time:", metrics.MeanCycleTime.Round(time.Second))
		}

		printCounts("Tasks by kind", metrics.TasksByKind)
		printCounts("Tasks by priority", metrics.TasksByPriority)
		printCounts("Completed by agent", metrics.CompletedByAgent)
		printCounts("Completed by project", metrics.CompletedByProject)

		if metrics.OldestEvent != nil {
			fmt.Printf("\n  %-24s %s\n", "Oldest event:", metrics.OldestEvent.Format(time.RFC3339))
		}
		if metrics.NewestEvent != nil {
			fmt.Printf("  %-24s %s\n", "Newest event:", metrics.NewestEvent.Format(time.RFC3339))
		}
		return nil
	},
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("\n  %s:\n", title)
	for _, k := range keys {
		fmt.Printf("    %-20s %d\n", k+":", counts[k])
	}
}

// parseSinceDuration parses a window such as "7d", "24h" or "30m" into the
// start time of that window. An empty window means the last seven days.
func parseSinceDuration(s string) (time.Time, error) {
	now := time.Now().UTC()
	s = strings.TrimSpace(s)
	if s == "" {
		return now.AddDate(0, 0, -7), nil
	}
	return armymcp.ParseSince(s, now)
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 24h, 30m)")
	rootCmd.AddCommand(metricsCmd)
}
