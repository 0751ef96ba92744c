// replicad is the local replication daemon for the Ringside scoring app.
//
// It maintains an offline-capable mirror of the active show's tables in
// a local SQLite database, uploads queued local writes, and keeps the
// cache inside its storage quota.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "replicad",
	Short: "Local replication daemon for Ringside",
	Long: `replicad keeps a local, offline-capable mirror of the active show's
scoring tables (classes, entries, runs).

Local writes apply immediately and queue for upload; the daemon syncs
them to the server and pulls remote changes down, resolving conflicts
last-write-wins. Works fully offline; syncs when connectivity returns.`,
	SilenceUsage: true,
}

func init() {
	// Assigned here rather than in the literal: initConfig reads the
	// command's flags, so a literal reference would cycle.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initConfig()
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default replicad.yaml)")
	rootCmd.PersistentFlags().String("db", "", "database file path")
	rootCmd.PersistentFlags().String("tenant", "", "tenant (show) key")
}

// initConfig loads replicad.yaml plus REPLICAD_* environment overrides
// and seeds defaults for every tunable.
func initConfig() error {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("replicad")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".ringside"))
		}
	}

	viper.SetEnvPrefix("REPLICAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db", defaultDBPath())
	viper.SetDefault("tenant", "")
	viper.SetDefault("remote.url", "https://api.ringside.app")
	viper.SetDefault("remote.feed_url", "")
	viper.SetDefault("session_file", "")
	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.page_size", 1000)
	viper.SetDefault("sync.full_threshold", 5000)
	viper.SetDefault("sync.full_interval", "24h")
	viper.SetDefault("sync.max_attempts", 5)
	viper.SetDefault("store.ttl", "24h")
	viper.SetDefault("cache.soft_limit_bytes", 64<<20)
	viper.SetDefault("cache.target_bytes", 48<<20)
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 50)
	viper.SetDefault("log.max_backups", 3)

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if db, _ := rootCmd.PersistentFlags().GetString("db"); db != "" {
		viper.Set("db", db)
	}
	if tenant, _ := rootCmd.PersistentFlags().GetString("tenant"); tenant != "" {
		viper.Set("tenant", tenant)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "replica.db"
	}
	return filepath.Join(home, ".ringside", "replica.db")
}

// newLogger builds the shared logger: stderr by default, a rotating
// file when log.file is configured (daemon mode).
func newLogger(prefix string) *log.Logger {
	if file := viper.GetString("log.file"); file != "" {
		return log.New(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
			Compress:   true,
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// requireTenant resolves the tenant key or exits with guidance.
func requireTenant() string {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		fmt.Fprintf(os.Stderr, "Error: no tenant key; pass --tenant or set REPLICAD_TENANT\n")
		os.Exit(1)
	}
	return tenant
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
