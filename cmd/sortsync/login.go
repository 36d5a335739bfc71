package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warehouselabs/sortsync/internal/api"
)

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Authenticate against the sorting authority",
	Long: `Authenticate the operator and store the session locally.

The session survives restarts and network loss; scanning works offline
once a user is logged in. Login itself requires the authority to be
reachable.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]
		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
				os.Exit(1)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client := api.NewClient(&api.Config{BaseURL: viper.GetString("server")})

		user, err := client.Login(cmd.Context(), username, password)
		if err != nil {
			var netErr *api.NetworkError
			if errors.As(err, &netErr) {
				fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
				fmt.Fprintln(os.Stderr, "Login requires the authority to be reachable.")
			} else {
				fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			}
			os.Exit(1)
		}

		if err := st.SaveUser(cmd.Context(), user); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving session: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Logged in as %s (%s)\n", user.Name, user.Username)

		// Seed the local task list while the authority is still reachable.
		// Later refreshes arrive through sync; a failure here is not fatal.
		tasks, err := client.ListTasks(cmd.Context(), user.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not fetch assigned tasks: %v\n", err)
			return
		}
		if err := st.ReplaceTasks(cmd.Context(), tasks); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not store assigned tasks: %v\n", err)
			return
		}
		fmt.Printf("Fetched %d assigned task(s)\n", len(tasks))
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session",
	Long: `Clear the local session. The authority-side logout is best effort:
when the device is offline the local session is cleared anyway.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client := api.NewClient(&api.Config{BaseURL: viper.GetString("server")})
		if err := client.Logout(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: remote logout failed: %v\n", err)
		}

		if err := st.ClearUser(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing session: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Logged out")
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
