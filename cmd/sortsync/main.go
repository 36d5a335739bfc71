// Command sortsync is the warehouse PDA sorting agent.
//
// It keeps sorting tasks and scan records in a local SQLite database so
// operators can keep working when the warehouse network drops, and
// reconciles with the remote sorting authority whenever it is reachable.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warehouselabs/sortsync/internal/store"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sortsync",
	Short: "Offline-first sorting agent for warehouse PDAs",
	Long: `sortsync keeps sorting tasks, scan records and the operator session in a
local SQLite database and synchronizes with the remote sorting authority
in the background.

All commands work offline; changes queue up locally and upload on the
next successful sync.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: sortsync.yaml in the data directory)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.sortsync)")
	rootCmd.PersistentFlags().String("server", "", "base URL of the sorting authority API")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log component activity to stderr")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	viper.SetDefault("server", "http://localhost:8080/api")
	viper.SetDefault("sync_interval", "30s")
	viper.SetDefault("status_port", 8796)
}

// initConfig reads the config file and environment. Flags override the
// file, the file overrides SORTSYNC_* environment variables' defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sortsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(dataDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("SORTSYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// dataDir resolves the device's data directory.
func dataDir() string {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sortsync"
	}
	return filepath.Join(home, ".sortsync")
}

// dbPath is the local store location inside the data directory.
func dbPath() string {
	return filepath.Join(dataDir(), "sortsync.db")
}

// wakeDir is where the daemon watches for the wake file.
func wakeDir() string {
	return filepath.Join(dataDir(), "wake")
}

// componentLogger returns a logger for internal components. Quiet unless
// --verbose is set.
func componentLogger(prefix string) *log.Logger {
	if verbose {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// openStore opens the device's local store, creating the data directory
// on first run.
func openStore() (*store.Store, error) {
	if err := os.MkdirAll(dataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.Open(dbPath(), componentLogger("[store] "))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
