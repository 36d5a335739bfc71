package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan <task-id> <barcode>...",
	Short: "Record barcode scans against a task",
	Long: `Apply one or more barcode scans to a sorting task.

Every scan is recorded locally, valid or not, and uploaded on the next
sync. A scan that matches no item or targets an already complete item is
rejected but still leaves an audit record.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		task := resolveTask(cmd, st, args[0])
		if task == nil {
			fmt.Fprintf(os.Stderr, "Task not found: %s\n", args[0])
			os.Exit(1)
		}

		ob := outbox.New(st, componentLogger("[outbox] "))
		machine := scan.New(st, ob, componentLogger("[scan] "))

		rejected := 0
		for _, barcode := range args[1:] {
			_, item, err := machine.Apply(cmd.Context(), task.ID, barcode)

			var vErr *scan.ValidationError
			switch {
			case errors.As(err, &vErr):
				rejected++
				fmt.Printf("✗ %s: %s\n", barcode, vErr.Reason)
			case err != nil:
				fmt.Fprintf(os.Stderr, "Error applying scan %s: %v\n", barcode, err)
				os.Exit(1)
			default:
				fmt.Printf("✓ %s: %s %d/%d\n", barcode, item.ProductName, item.SortedQuantity, item.Quantity)
			}
		}

		if updated := st.TaskByID(cmd.Context(), task.ID); updated != nil && updated.AllItemsCompleted() {
			fmt.Printf("Task %s complete, queued for upload\n", updated.TaskNo)
		}
		if rejected > 0 {
			os.Exit(1)
		}
	},
}

var (
	itemName     string
	itemLocation string
	itemNotes    string
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Edit items on a local task",
}

var itemUpdateCmd = &cobra.Command{
	Use:   "update <task-id> <item-id>",
	Short: "Edit item fields",
	Long: `Edit an item's product name, location or notes. The change is local and
uploads with the task on the next sync.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		task := resolveTask(cmd, st, args[0])
		if task == nil {
			fmt.Fprintf(os.Stderr, "Task not found: %s\n", args[0])
			os.Exit(1)
		}

		update := scan.ItemUpdate{}
		if cmd.Flags().Changed("name") {
			update.ProductName = &itemName
		}
		if cmd.Flags().Changed("location") {
			update.Location = &itemLocation
		}
		if cmd.Flags().Changed("notes") {
			update.Notes = &itemNotes
		}

		ob := outbox.New(st, componentLogger("[outbox] "))
		machine := scan.New(st, ob, componentLogger("[scan] "))

		if _, err := machine.UpdateItem(cmd.Context(), task.ID, args[1], update); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating item: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Item updated")
	},
}

func init() {
	itemUpdateCmd.Flags().StringVar(&itemName, "name", "", "product name")
	itemUpdateCmd.Flags().StringVar(&itemLocation, "location", "", "bin location")
	itemUpdateCmd.Flags().StringVar(&itemNotes, "notes", "", "free-form notes")
	itemCmd.AddCommand(itemUpdateCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(itemCmd)
}
