package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the SOCKS5 proxy pool",
}

var proxyAddCmd = &cobra.Command{
	Use:   "add <name> <host> <port>",
	Short: "Register a SOCKS5 proxy",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		port, err := strconv.Atoi(args[2])
		if err != nil || port < 1 || port > 65535 {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", args[2])
			os.Exit(1)
		}

		manager, err := newOfflineManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		id, err := manager.AddProxy(args[0], args[1], port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added proxy #%s: %s (%s:%d)\n", id, args[0], args[1], port)
	},
}

var proxyRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a proxy",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		manager, err := newOfflineManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		if !manager.DeleteProxy(args[0]) {
			fmt.Fprintf(os.Stderr, "Unknown proxy: %s\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("Deleted proxy #%s\n", args[0])
	},
}

var proxyTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Probe a proxy and update its status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		manager, err := newOfflineManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		verdict, err := manager.TestProxy(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(verdict)
	},
}

var proxyLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the proxy pool",
	Run: func(cmd *cobra.Command, args []string) {
		manager, err := newOfflineManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		records := manager.AllProxies()
		if len(records) == 0 {
			fmt.Println("No proxies configured.")
			return
		}
		for _, rec := range records {
			fmt.Printf("#%-4s %-20s %s:%-6d %s\n", rec.ID, rec.Name, rec.Host, rec.Port, rec.Status)
		}
	},
}

func init() {
	proxyCmd.AddCommand(proxyAddCmd, proxyRmCmd, proxyTestCmd, proxyLsCmd)
	rootCmd.AddCommand(proxyCmd)
}
