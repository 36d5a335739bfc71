package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warehouselabs/sortsync/internal/model"
	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/scan"
	"github.com/warehouselabs/sortsync/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List local sorting tasks",
	Long: `List the sorting tasks in the local store.

The listing reflects local state only. Run 'sortsync sync' (or keep the
daemon running) to pull new assignments from the authority.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		tasks := st.Tasks(cmd.Context())
		if len(tasks) == 0 {
			fmt.Println("No tasks in local store")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tWAREHOUSE\tPRIORITY\tSTATUS\tITEMS\tUPDATED")
		for i := range tasks {
			t := &tasks[i]
			done := 0
			for j := range t.Items {
				if t.Items[j].Complete() {
					done++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\n",
				t.TaskNo, t.WarehouseName, t.Priority, t.Status,
				done, len(t.Items), t.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its items",
	Args:  cobra.ExactArgs(1),
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

		fmt.Printf("\nTask %s (%s)\n", task.TaskNo, task.ID)
		fmt.Printf("Warehouse: %s\n", task.WarehouseName)
		fmt.Printf("Priority:  %d\n", task.Priority)
		fmt.Printf("Status:    %s\n", task.Status)
		if task.Notes != "" {
			fmt.Printf("Notes:     %s\n", task.Notes)
		}
		if task.DueDate != nil {
			fmt.Printf("Due:       %s\n", task.DueDate.Local().Format("2006-01-02 15:04"))
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SKU\tPRODUCT\tLOCATION\tSORTED\tSTATUS")
		for i := range task.Items {
			it := &task.Items[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				it.SKU, it.ProductName, it.Location, it.SortedQuantity, it.Quantity, it.Status)
		}
		w.Flush()
		fmt.Println()
	},
}

var taskSelectCmd = &cobra.Command{
	Use:   "select <task-id>",
	Short: "Start working on a task",
	Long: `Mark a pending task as in progress. Scanning against a task does this
implicitly; select exists so supervisors can hand out work explicitly.`,
	Args: cobra.ExactArgs(1),
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

		updated, err := machine.Select(cmd.Context(), task.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error selecting task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Task %s is now %s\n", updated.TaskNo, updated.Status)
	},
}

// resolveTask looks a task up by id, falling back to task number so
// operators can type what the paperwork shows.
func resolveTask(cmd *cobra.Command, st *store.Store, ref string) *model.Task {
	if task := st.TaskByID(cmd.Context(), ref); task != nil {
		return task
	}
	tasks := st.Tasks(cmd.Context())
	for i := range tasks {
		if tasks[i].TaskNo == ref {
			return &tasks[i]
		}
	}
	return nil
}

func init() {
	tasksCmd.AddCommand(taskShowCmd)
	tasksCmd.AddCommand(taskSelectCmd)
	rootCmd.AddCommand(tasksCmd)
}
