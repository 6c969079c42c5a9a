package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/internal/observability"
)

var (
	alertsNotify bool
	alertsJSON   bool
)

var alertSeverityStyles = map[observability.AlertSeverity]lipgloss.Style{
	observability.SeverityHigh:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	observability.SeverityMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	observability.SeverityLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show active alerts and warnings",
	Long: `Evaluate alert conditions against the event log and project registry.

Alerts fire for tasks held by an agent for too long, for tasks blocked
after exhausting their retries, and when too many projects are stalled.
With --notify the alerts are also posted to the configured Slack webhook.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if AlertEngine == nil {
			return fmt.Errorf("alert engine not initialized (observability may be disabled)")
		}

		ctx := context.Background()
		alerts, err := AlertEngine.Evaluate(ctx)
		if err != nil {
			return fmt.Errorf("evaluating alerts: %w", err)
		}

		if alertsNotify && len(alerts) > 0 {
			if Notifier == nil {
				return fmt.Errorf("no notifier configured (set slack_webhook_url)")
			}
			if err := Notifier.Notify(ctx, alerts); err != nil {
				return fmt.Errorf("sending notification: %w", err)
			}
		}

		if alertsJSON {
			return printJSON(alerts)
		}
		if len(alerts) == 0 {
			fmt.Println("No active alerts.")
			return nil
		}

		fmt.Printf("%d active alert(s):\n\n", len(alerts))
		for _, alert := range alerts {
			severity := strings.ToUpper(string(alert.Severity))
			if style, ok := alertSeverityStyles[alert.Severity]; ok {
				severity = styled(style, severity)
			}
			fmt.Printf("  [%s] %s\n", severity, alert.Message)
			fmt.Printf("         triggered at %s\n\n", alert.TriggeredAt.Format("2006-01-02 15:04 UTC"))
		}
		if alertsNotify {
			fmt.Println("Notification sent.")
		}
		return nil
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsNotify, "notify", false, "Post triggered alerts to Slack")
	alertsCmd.Flags().BoolVar(&alertsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(alertsCmd)
}
