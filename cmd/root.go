package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/download"
	"github.com/multisocks-downloader/multisocks/internal/server"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// Version is set via ldflags during build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "msd",
	Short:   "A segmented multi-proxy download manager",
	Long: `msd is a resumable, segmented HTTP/HTTPS downloader that spreads
byte-range requests across a pool of SOCKS5 proxies. Running msd with no
subcommand starts the daemon: it recovers unfinished downloads and listens
for new jobs from the browser helper.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		isMaster, err := AcquireLock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
			os.Exit(1)
		}
		if !isMaster {
			fmt.Fprintln(os.Stderr, "Error: msd is already running.")
			fmt.Fprintln(os.Stderr, "Use 'msd add <url>' to hand a download to the active instance.")
			os.Exit(1)
		}
		defer ReleaseLock()

		utils.ConfigureDebug(config.GetLogsDir())
		utils.CleanupLogs(10)

		manager, err := download.NewManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		restored := manager.ScanUnfinished()
		if restored > 0 {
			fmt.Printf("Restored %d unfinished download(s).\n", restored)
		}

		addr, _ := cmd.Flags().GetString("listen")
		srv := server.New(manager, addr)

		go func() {
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Intake server error: %v\n", err)
			}
		}()

		fmt.Printf("msd %s listening on %s. Press Ctrl+C to exit.\n", Version, addr)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().String("listen", server.DefaultAddr, "Address the intake endpoint binds to")
	rootCmd.SetVersionTemplate("msd version {{.Version}}\n")
}
