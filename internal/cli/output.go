package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/valter-silva-au/agent-army/pkg/models"
	"golang.org/x/term"
)

// isTerminal reports whether stdout is attached to a terminal. Styling is
// only applied when it is, so piped output stays plain.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	statusTodo       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusDone       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusBlocked    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	blockingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func styleForStatus(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.StatusInProgress:
		return statusInProgress
	case models.StatusDone:
		return statusDone
	case models.StatusBlocked:
		return statusBlocked
	case models.StatusTodo:
		return statusTodo
	default:
		return lipgloss.NewStyle()
	}
}

// styled renders s with style on terminals and returns it unchanged otherwise.
func styled(style lipgloss.Style, s string) string {
	if !isTerminal() {
		return s
	}
	return style.Render(s)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printTaskLine writes the one-line listing form of a task.
func printTaskLine(ref models.TaskRef, t *models.Task) {
	status := styled(styleForStatus(t.Status), fmt.Sprintf("%-11s", t.Status))
	flag := "  "
	if t.Blocking {
		flag = styled(blockingStyle, "!!")
	}
	agent := ""
	if t.AssignedAgent != "" {
		agent = " @" + t.AssignedAgent
	}
	fmt.Printf("%s %-24s %s %-8s %s%s\n", flag, ref, status, t.Priority, t.Title, agent)
}

func printTaskDetail(ref models.TaskRef, t *models.Task) {
	fmt.Printf("Task %s\n", ref)
	fmt.Printf("  Title:      %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("  About:      %s\n", t.Description)
	}
	fmt.Printf("  Status:     %s\n", styled(styleForStatus(t.Status), string(t.Status)))
	fmt.Printf("  Priority:   %s\n", t.Priority)
	fmt.Printf("  Kind:       %s\n", t.Kind)
	if t.Blocking {
		fmt.Printf("  Blocking:   %s\n", styled(blockingStyle, "yes"))
	}
	if t.Capability != "" {
		fmt.Printf("  Capability: %s\n", t.Capability)
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("  Depends on: %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.AssignedAgent != "" {
		fmt.Printf("  Agent:      %s\n", t.AssignedAgent)
	}
	fmt.Printf("  Retries:    %d\n", t.RetryCount)
	fmt.Printf("  Progress:   %.0f%%\n", t.PercentComplete())
	if total := t.TestCoverage.Total(); total > 0 {
		c := t.TestCoverage
		fmt.Printf("  Tests:      unit %d, integration %d, e2e %d, api %d\n", c.Unit, c.Integration, c.E2E, c.API)
	}
	if len(t.Subtasks) > 0 {
		fmt.Println("  Subtasks:")
		for _, st := range t.Subtasks {
			fmt.Printf("    %s [%s] %s\n", st.ID, st.Status, st.Title)
		}
	}
	if len(t.Notes) > 0 {
		fmt.Println("  Notes:")
		for _, n := range t.Notes {
			who := ""
			if n.Agent != "" {
				who = " (" + n.Agent + ")"
			}
			fmt.Printf("    %s%s %s\n", n.Time.Format("2006-01-02 15:04"), who, n.Text)
		}
	}
}

// parsePayload turns key=value pairs into a payload map. Values that parse
// as JSON scalars keep their type; everything else is a string.
func parsePayload(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid payload entry %q, expected key=value", pair)
		}
		payload[key] = parseScalar(value)
	}
	return payload, nil
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
