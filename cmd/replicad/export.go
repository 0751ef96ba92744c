package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending mutation queue",
}

var queueExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export pending mutations as JSONL",
	Long: `Export the tenant's pending mutations as JSON Lines, one mutation
per line in upload (dependency) order.

Writes to stdout when no file is given. Useful for support diagnostics
and for recovering local writes from a replica that cannot sync.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tenant := requireTenant()

		a, err := openApp(tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening replica: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx := context.Background()

		if len(args) == 1 {
			count, err := a.queue.ExportJSONLFile(ctx, tenant, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error exporting queue: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Exported %d mutations to %s\n", count, args[0])
			return
		}

		if _, err := a.queue.ExportJSONL(ctx, tenant, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting queue: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	queueCmd.AddCommand(queueExportCmd)
	rootCmd.AddCommand(queueCmd)
}
