package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ringsidehq/replica/internal/replica/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local replica status",
	Long: `Display the local replica's state for the tenant.

Shows per-table row counts, watermarks, and last full sync, plus the
pending mutation count and storage usage against the quota.`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant := requireTenant()

		a, err := openApp(tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening replica: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx := context.Background()

		fmt.Printf("Replica: %s\n", viper.GetString("db"))
		fmt.Printf("Tenant:  %s\n\n", tenant)

		fmt.Printf("%-10s %8s  %-25s %s\n", "TABLE", "ROWS", "WATERMARK", "LAST FULL SYNC")
		for _, table := range schema.TableNames() {
			meta, err := a.store.GetMeta(ctx, tenant, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s metadata: %v\n", table, err)
				os.Exit(1)
			}
			count, err := a.store.RowCount(ctx, tenant, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s rows: %v\n", table, err)
				os.Exit(1)
			}
			fmt.Printf("%-10s %8d  %-25s %s\n", table, count,
				formatTime(meta.Watermark), formatTime(meta.LastFullSyncAt))
		}

		pending, err := a.queue.Count(ctx, tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting mutations: %v\n", err)
			os.Exit(1)
		}

		usage, err := a.store.UsageBytes(ctx, tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error computing usage: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nPending mutations: %d\n", pending)
		fmt.Printf("Storage usage:     %s of %s\n",
			formatBytes(usage), formatBytes(viper.GetInt64("cache.soft_limit_bytes")))
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
