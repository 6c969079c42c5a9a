package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportWrite string

var exportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Render a project's checklist as Markdown",
	Long: `Render the human-readable Markdown projection of a project's checklist.
The YAML checklist stays authoritative; the projection is regenerated on
every commit and can be rebuilt here at any time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cl, err := checklistFor(ctx, args[0])
		if err != nil {
			return fmt.Errorf("opening project: %w", err)
		}
		md, err := cl.ExportProjection(ctx)
		if err != nil {
			return fmt.Errorf("rendering projection: %w", err)
		}
		if exportWrite == "" {
			fmt.Print(md)
			return nil
		}
		if err := os.WriteFile(exportWrite, []byte(md), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", exportWrite, err)
		}
		fmt.Printf("Wrote %s\n", exportWrite)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportWrite, "write", "w", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
