package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login [username] [password]",
	Short: "Authenticate against the session backend and store the session cookie",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if err := api.Login(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Println("logged in")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
