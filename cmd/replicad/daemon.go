package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ringsidehq/replica/internal/replica/prefetch"
	"github.com/ringsidehq/replica/internal/replica/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the replication daemon",
	Long: `Run the replication daemon in the foreground.

The daemon:
  1. Syncs the active tenant on an interval (sync.interval)
  2. Subscribes to the server change feed when remote.feed_url is set
  3. Watches the session file for tenant switches when session_file is set
  4. Evicts least-recently-used rows when the cache exceeds its quota

Stop with SIGINT or SIGTERM; in-flight work finishes at the next page
or mutation boundary.`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant := requireTenant()

		a, err := openApp(tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening replica: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pf := prefetch.New(a.store, a.syncer, a.manager, &prefetch.Config{
			Logger: newLogger("[prefetch] "),
		})
		a.manager.SetHinter(pf)

		if feedURL := viper.GetString("remote.feed_url"); feedURL != "" {
			feed, err := remote.NewFeed(&remote.FeedConfig{
				URL:       feedURL,
				TenantKey: tenant,
				Logger:    newLogger("[feed] "),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating change feed: %v\n", err)
				os.Exit(1)
			}
			if err := feed.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting change feed: %v\n", err)
				os.Exit(1)
			}
			a.manager.AttachFeed(ctx, feed)
		}

		// Initial cycle so the daemon starts warm.
		if _, err := a.manager.SyncTenant(ctx, tenant); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: initial sync failed: %v\n", err)
		}

		if err := a.manager.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: daemon stopped: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
