package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ringsidehq/replica/internal/replica/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run one sync cycle for the tenant and print per-table results.

The cycle uploads queued mutations first, then pulls server changes
down. Conflicts and permanently-failed mutations are listed; they are
never silently dropped.`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant := requireTenant()

		a, err := openApp(tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening replica: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		start := time.Now()
		results, err := a.manager.SyncTenant(context.Background(), tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n\n", time.Since(start).Round(time.Millisecond))
		for _, res := range results {
			printResult(res)
		}
	},
}

func printResult(res *syncer.Result) {
	fmt.Printf("%-10s %-12s up:%-4d down:%-5d deleted:%-4d", res.Table, res.Mode, res.Uploaded, res.Pulled, res.Deleted)
	switch {
	case res.Err != nil:
		fmt.Printf("  ERROR: %v", res.Err)
	case res.Canceled:
		fmt.Printf("  (canceled)")
	}
	fmt.Println()

	for _, c := range res.Conflicts {
		fmt.Printf("    conflict %s/%s: local edit lost, payload preserved\n", c.Table, c.RowID)
	}
	for _, f := range res.Failures {
		fmt.Printf("    failed %s (%s/%s): %s\n", f.MutationID, f.Table, f.RowID, f.Reason)
	}
	if res.Drift > 0 {
		fmt.Printf("    skipped %d malformed rows\n", res.Drift)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
