package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	armymcp "github.com/valter-silva-au/agent-army/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the army MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the army MCP server on stdio",
	Long: `Start the army MCP server on stdio transport.

Agents connect to it to claim and report tasks and to use the message bus:
claim_next, complete_task, fail_task, get_task, list_tasks, publish,
send_direct, inbox, get_workload, get_metrics, get_alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Queue == nil || Bus == nil {
			return fmt.Errorf("task queue not initialized")
		}

		srv := armymcp.NewServer(armymcp.Deps{
			Queue:    Queue,
			Bus:      Bus,
			Registry: Registry,
			Metrics:  MetricsCalc,
			Alerts:   AlertEngine,
		}, appVersion)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
