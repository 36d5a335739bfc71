package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/warehouselabs/sortsync/internal/api"
	"github.com/warehouselabs/sortsync/internal/cache"
	"github.com/warehouselabs/sortsync/internal/daemon"
	"github.com/warehouselabs/sortsync/internal/netmon"
	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/statusd"
	"github.com/warehouselabs/sortsync/internal/syncer"
)

var daemonLogFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync agent (foreground)",
	Long: `Run the device's background agent.

The agent:
  1. Syncs with the authority every sync_interval (default 30s)
  2. Probes reachability and syncs when connectivity returns
  3. Watches the wake file for 'sortsync sync --wake' requests
  4. Sweeps response cache entries older than seven days
  5. Serves status on the status port (WebSocket at /ws, POST /force)

It runs in the foreground; use a process manager for production.`,
	Run: func(cmd *cobra.Command, args []string) {
		logOut := daemonLogOutput()
		mkLogger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		// The cache layer sits under the API client as its transport, so
		// every authority response the daemon sees is captured.
		cacheLayer := cache.New(st, nil, &cache.Config{Logger: mkLogger("[cache] ")})

		client := api.NewClient(&api.Config{
			BaseURL:   viper.GetString("server"),
			Transport: cacheLayer,
		})

		ob := outbox.New(st, mkLogger("[outbox] "))
		engine := syncer.New(client, st, ob, nil, &syncer.Config{
			BaseDelay:        5 * time.Second,
			MaxRetryAttempts: 3,
			Logger:           mkLogger("[syncer] "),
		})

		// Connectivity edges flow into the engine; the online edge also
		// triggers a sync so queued work drains as soon as possible.
		monitor := netmon.New(client, &netmon.Config{
			Interval:     15 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Logger:       mkLogger("[netmon] "),
			OnChange: func(ctx context.Context, online bool) {
				engine.SetOnline(ctx, online)
				if online {
					if _, err := engine.Sync(ctx, false); err != nil {
						mkLogger("[netmon] ").Printf("Reconnect sync failed: %v", err)
					}
				}
			},
		})

		status := statusd.NewServer(engine, engine, &statusd.Config{
			Port:   viper.GetInt("status_port"),
			Logger: mkLogger("[statusd] "),
		})

		d, err := daemon.New(engine, monitor, cacheLayer, status, &daemon.Config{
			SyncInterval: viper.GetDuration("sync_interval"),
			WakeDir:      wakeDir(),
			Logger:       mkLogger("[daemon] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Starting sortsync agent\n")
		fmt.Printf("   Server:  %s\n", viper.GetString("server"))
		fmt.Printf("   Store:   %s\n", dbPath())
		fmt.Printf("   Status:  http://127.0.0.1:%d/status\n", viper.GetInt("status_port"))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

// daemonLogOutput returns the daemon's log destination: a rotated file
// when --log-file (or log_file in the config) is set, stderr otherwise.
func daemonLogOutput() io.Writer {
	path := daemonLogFile
	if path == "" {
		path = viper.GetString("log_file")
	}
	if path == "" {
		return os.Stderr
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir(), path)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "write rotated logs to this file instead of stderr")
	rootCmd.AddCommand(daemonCmd)
}
