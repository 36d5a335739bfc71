package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warehouselabs/sortsync/internal/api"
	"github.com/warehouselabs/sortsync/internal/daemon"
	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/syncer"
)

var syncWake bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the sorting authority now",
	Long: `Run one forced synchronization: upload completed tasks and queued scan
records, download remote changes, merge, and commit.

With --wake the command touches the daemon's wake file instead of syncing
in-process, so a running daemon picks up the work.`,
	Run: func(cmd *cobra.Command, args []string) {
		if syncWake {
			path := filepath.Join(wakeDir(), daemon.WakeFileName)
			if err := os.MkdirAll(wakeDir(), 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating wake directory: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error touching wake file: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Wake file touched; daemon will sync shortly")
			return
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client := api.NewClient(&api.Config{BaseURL: viper.GetString("server")})
		ob := outbox.New(st, componentLogger("[outbox] "))
		engine := syncer.New(client, st, ob, nil, &syncer.Config{
			BaseDelay:        5 * time.Second,
			MaxRetryAttempts: 1, // one-shot: no background retries
			Logger:           componentLogger("[syncer] "),
		})
		defer engine.Stop()

		before := ob.Count(cmd.Context())
		start := time.Now()

		if err := engine.ForceSync(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Uploaded: %d pending changes\n", before)
		fmt.Printf("   Tasks:    %d in local store\n", len(st.Tasks(cmd.Context())))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device sync status",
	Long: `Show the device's synchronization status.

When the daemon is running its status server answers; otherwise the
snapshot comes straight from the local store.`,
	Run: func(cmd *cobra.Command, args []string) {
		if status, ok := daemonStatus(cmd); ok {
			printStatus(status, "daemon")
			return
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ob := outbox.New(st, componentLogger("[outbox] "))
		client := api.NewClient(&api.Config{BaseURL: viper.GetString("server"), Timeout: 3 * time.Second})

		last := st.LastSyncTime(cmd.Context())
		status := syncer.Status{
			IsOnline:     client.Health(cmd.Context()),
			PendingCount: ob.Count(cmd.Context()),
		}
		if !last.IsZero() {
			status.LastSyncTime = last.Format(time.RFC3339)
		}
		printStatus(status, "local store")
	},
}

// daemonStatus asks a running daemon's status server for its snapshot.
func daemonStatus(cmd *cobra.Command) (syncer.Status, bool) {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", viper.GetInt("status_port"))
	resp, err := resty.New().SetTimeout(2 * time.Second).R().SetContext(cmd.Context()).Get(url)
	if err != nil || resp.IsError() {
		return syncer.Status{}, false
	}
	var status syncer.Status
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return syncer.Status{}, false
	}
	return status, true
}

func printStatus(status syncer.Status, source string) {
	fmt.Printf("\nSync Status (%s)\n\n", source)
	online := "offline"
	if status.IsOnline {
		online = "online"
	}
	fmt.Printf("Connectivity: %s\n", online)
	if status.IsSyncing {
		fmt.Println("Syncing:      in progress")
	}
	if status.LastSyncTime != "" {
		fmt.Printf("Last sync:    %s\n", status.LastSyncTime)
	} else {
		fmt.Println("Last sync:    never")
	}
	fmt.Printf("Pending:      %d changes\n", status.PendingCount)
	if status.Error != "" {
		fmt.Printf("Last error:   %s\n", status.Error)
	}
	fmt.Println()
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show queued uploads",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ob := outbox.New(st, componentLogger("[outbox] "))
		pending := ob.Pending(cmd.Context())

		if pending.IsEmpty() {
			fmt.Println("Nothing queued for upload")
			return
		}
		fmt.Printf("%d completed tasks, %d scan records queued\n",
			len(pending.Tasks), len(pending.ScanRecords))
		for i := range pending.Tasks {
			fmt.Printf("   task %s\n", pending.Tasks[i].TaskNo)
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWake, "wake", false, "signal a running daemon instead of syncing in-process")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
}
