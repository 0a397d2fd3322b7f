package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var setDirCmd = &cobra.Command{
	Use:   "set-dir <path>",
	Short: "Change the default download directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		manager, err := newOfflineManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		if err := manager.SetSaveDir(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Save directory set to %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(setDirCmd)
}
