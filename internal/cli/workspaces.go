package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List locally remembered workspace shortcuts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(clientCfg.Workspaces) == 0 {
			fmt.Println("no workspace shortcuts saved yet")
			return nil
		}
		for _, w := range clientCfg.Workspaces {
			name := w.Name
			if name == "" {
				name = w.Dir
			}
			fmt.Printf("%s  %-20s  %-12s  %s\n", w.UUID, name, w.ACPServer, w.Dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workspacesCmd)
}
