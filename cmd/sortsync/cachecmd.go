package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warehouselabs/sortsync/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline response cache",
}

var cachePrimeCmd = &cobra.Command{
	Use:   "prime <url>...",
	Short: "Fetch static assets into the cache",
	Long: `Fetch the given URLs and store them in the static cache so the PDA UI
loads with no network. Typically run once after provisioning a device.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		layer := cache.New(st, nil, &cache.Config{Logger: componentLogger("[cache] ")})
		defer layer.Stop()

		if err := layer.Prime(cmd.Context(), args); err != nil {
			fmt.Fprintf(os.Stderr, "Error priming cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Primed %d assets\n", len(args))
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict stale cached responses",
	Long:  `Evict cached API responses older than the freshness window (seven days).`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		layer := cache.New(st, nil, &cache.Config{Logger: componentLogger("[cache] ")})
		defer layer.Stop()

		evicted, err := layer.SweepOnce(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sweeping cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Evicted %d stale entries\n", evicted)
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Drop cache namespaces from older versions",
	Long: `Drop every cache namespace that does not belong to the current cache
version. Run after upgrading the agent so stale response shapes cannot be
served.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		layer := cache.New(st, nil, &cache.Config{Logger: componentLogger("[cache] ")})
		defer layer.Stop()

		if err := layer.Activate(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error activating cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Old cache namespaces dropped")
	},
}

func init() {
	cacheCmd.AddCommand(cachePrimeCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
	rootCmd.AddCommand(cacheCmd)
}
