package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/progress"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List unfinished downloads and their checkpoints",
	Run: func(cmd *cobra.Command, args []string) {
		showHistory, _ := cmd.Flags().GetBool("history")
		if showHistory {
			listHistory()
			return
		}

		settings, err := config.LoadSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		found := 0
		for _, dir := range settings.DownloadDirs {
			matches, err := filepath.Glob(filepath.Join(dir, "*"+types.ProgressSuffix))
			if err != nil {
				continue
			}
			for _, file := range matches {
				cp, err := progress.Load(file)
				if err != nil {
					fmt.Printf("%-40s  (unreadable checkpoint)\n", filepath.Base(file))
					continue
				}
				found++
				pct := 0.0
				if cp.TotalSize > 0 {
					pct = float64(cp.DownloadedSize) / float64(cp.TotalSize) * 100
				}
				fmt.Printf("%-40s  %6.1f%%  %s/%s  %s  %s\n",
					cp.Filename, pct,
					humanize.IBytes(uint64(cp.DownloadedSize)),
					humanize.IBytes(uint64(cp.TotalSize)),
					cp.Status, cp.URL)
			}
		}
		if found == 0 {
			fmt.Println("No unfinished downloads.")
		}
	},
}

func listHistory() {
	manager, err := newOfflineManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer manager.Close()

	entries, err := manager.History()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No download history.")
		return
	}

	for _, e := range entries {
		when := ""
		if e.FinishedAt > 0 {
			when = time.Unix(e.FinishedAt, 0).Format("2006-01-02 15:04")
		}
		kind := e.ContentType
		if kind == "" {
			kind = "-"
		}
		fmt.Printf("%-40s  %9s  %-10s  %-24s  %s\n",
			e.Filename, humanize.IBytes(uint64(e.TotalSize)), e.Status, kind, when)
	}
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("history", false, "Show finished downloads instead")
}
