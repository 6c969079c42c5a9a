package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

var statusHeadings = map[models.TaskStatus]string{
	models.StatusInProgress: "In Progress",
	models.StatusTodo:       "Todo",
	models.StatusBlocked:    "Blocked",
	models.StatusDone:       "Done",
}

// RenderProjection renders the human-readable markdown view of a
// checklist. It is a pure function of the state and is never read back.
func RenderProjection(cl *models.Checklist) string {
	var b strings.Builder
	summary := Summarize(cl)

	name := cl.ProjectName
	if name == "" {
		name = "Project"
	}
	fmt.Fprintf(&b, "# %s Checklist\n\n", name)
	if !cl.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "_Last updated: %s_\n\n", cl.UpdatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "**Progress:** %d/%d done (%.0f%%) | in progress: %d | eligible: %d | status: %s\n\n",
		summary.ByStatus[models.StatusDone], summary.Total, summary.PercentComplete,
		summary.InFlight, summary.Eligible, summary.Health.Describe())

	if summary.Health == models.HealthStalled {
		b.WriteString("> **Blocked, not idle:** work remains but no task can start. Unblock a task or resolve its dependencies.\n\n")
	}

	var blocking []*models.Task
	for _, t := range cl.Tasks {
		if t.Blocking && t.Status != models.StatusDone {
			blocking = append(blocking, t)
		}
	}
	if len(blocking) > 0 {
		b.WriteString("## BLOCKING TASKS\n\n")
		b.WriteString("No other task may start until these are done.\n\n")
		for _, t := range sortedForProjection(blocking) {
			writeTaskLine(&b, t)
		}
		b.WriteString("\n")
	}

	for _, status := range models.AllStatuses {
		var group []*models.Task
		for _, t := range cl.Tasks {
			if t.Status == status {
				group = append(group, t)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s (%d)\n\n", statusHeadings[status], len(group))
		for _, t := range sortedForProjection(group) {
			writeTaskLine(&b, t)
			writeTaskDetails(&b, t)
		}
		b.WriteString("\n")
	}

	if len(cl.Sessions) > 0 {
		b.WriteString("## Sessions\n\n")
		for _, s := range cl.Sessions {
			end := "open"
			if s.EndedAt != nil {
				end = s.EndedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "- **%s** (%s) %s to %s\n", s.Name, orDefault(s.Agent, "unknown agent"),
				s.StartedAt.UTC().Format(time.RFC3339), end)
			for _, n := range s.Notes {
				fmt.Fprintf(&b, "  - %s\n", n)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

func sortedForProjection(tasks []*models.Task) []*models.Task {
	out := append([]*models.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	return out
}

func writeTaskLine(b *strings.Builder, t *models.Task) {
	box := " "
	if t.Status == models.StatusDone {
		box = "x"
	}
	flags := []string{string(t.Priority), string(t.Kind)}
	if t.Blocking {
		flags = append(flags, "BLOCKING")
	}
	if t.AssignedAgent != "" {
		flags = append(flags, "@"+t.AssignedAgent)
	}
	if t.RetryCount > 0 {
		flags = append(flags, fmt.Sprintf("retries %d", t.RetryCount))
	}
	fmt.Fprintf(b, "- [%s] **%s** %s (%s)\n", box, t.ID, t.Title, strings.Join(flags, ", "))
}

func writeTaskDetails(b *strings.Builder, t *models.Task) {
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(b, "  - depends on: %s\n", strings.Join(t.Dependencies, ", "))
	}
	if len(t.Subtasks) > 0 {
		fmt.Fprintf(b, "  - subtasks: %.0f%% complete\n", t.PercentComplete())
		for _, st := range t.Subtasks {
			box := " "
			if st.Status == models.StatusDone {
				box = "x"
			}
			fmt.Fprintf(b, "    - [%s] %s %s\n", box, st.ID, st.Title)
		}
	}
	if c := t.TestCoverage; c.Total() > 0 {
		fmt.Fprintf(b, "  - tests: unit %d, integration %d, e2e %d, api %d\n", c.Unit, c.Integration, c.E2E, c.API)
	}
	if n := len(t.Notes); n > 0 {
		last := t.Notes[n-1]
		fmt.Fprintf(b, "  - last note (%s): %s\n", last.Time.UTC().Format(time.RFC3339), last.Text)
	}
}
