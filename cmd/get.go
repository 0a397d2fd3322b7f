package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/download"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "Download one or more URLs in the foreground",
	Long: `Download URLs directly, without the daemon. Interrupting with Ctrl+C
pauses the downloads; running the same command again resumes them from
their checkpoints.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.ConfigureDebug(config.GetLogsDir())

		manager, err := download.NewManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer manager.Close()

		outputDir, _ := cmd.Flags().GetString("output")
		workers, _ := cmd.Flags().GetInt("workers")
		noProxy, _ := cmd.Flags().GetBool("no-proxy")
		filename, _ := cmd.Flags().GetString("filename")

		var ids []string
		for _, url := range args {
			opts := &download.AddOptions{
				SaveDir:      outputDir,
				WorkerCount:  workers,
				DisableProxy: noProxy,
			}
			if len(args) == 1 {
				opts.Filename = filename
			}

			id, err := manager.AddTask(url, opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", url, err)
				continue
			}
			if err := manager.StartTask(id); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting %s: %v\n", url, err)
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			os.Exit(1)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-sigChan:
				fmt.Println("\nPausing...")
				for _, id := range ids {
					manager.PauseTask(id)
				}
				return
			case <-ticker.C:
				if printProgress(manager, ids) {
					return
				}
			}
		}
	},
}

// printProgress renders one status line per task and reports whether all
// tasks reached a final state.
func printProgress(manager *download.Manager, ids []string) bool {
	allDone := true
	for _, id := range ids {
		p, ok := manager.TaskProgress(id)
		if !ok {
			continue
		}

		switch types.Status(p.Status) {
		case types.StatusCompleted:
			fmt.Printf("#%s done: %s in %s\n", id,
				humanize.IBytes(uint64(p.TotalSize)), utils.FormatDuration(time.Duration(p.TotalTime*float64(time.Second))))
		case types.StatusError:
			fmt.Printf("#%s error: %s\n", id, p.ErrorMessage)
		default:
			allDone = false
			fmt.Printf("#%s %5.1f%%  %s/%s  %s/s\n", id, p.Percentage,
				humanize.IBytes(uint64(p.DownloadedSize)),
				humanize.IBytes(uint64(p.TotalSize)),
				humanize.IBytes(uint64(p.Speed)))
		}
	}
	return allDone
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output directory (default: configured save dir)")
	getCmd.Flags().StringP("filename", "f", "", "Filename override (single URL only)")
	getCmd.Flags().IntP("workers", "w", 0, "Worker count (default: configured)")
	getCmd.Flags().Bool("no-proxy", false, "Bypass the SOCKS5 proxy pool")
}
