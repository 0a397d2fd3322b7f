package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/multisocks-downloader/multisocks/internal/clipboard"
)

var addCmd = &cobra.Command{
	Use:   "add [url]...",
	Short: "Hand downloads to the running msd daemon",
	Long: `Send one or more URLs to the download queue of a running msd
instance. With no arguments the clipboard is checked for a URL.`,
	Run: func(cmd *cobra.Command, args []string) {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		filename, _ := cmd.Flags().GetString("filename")

		urls := args
		if len(urls) == 0 {
			if fromClipboard := clipboard.ReadURL(); fromClipboard != "" {
				fmt.Printf("Using clipboard URL: %s\n", fromClipboard)
				urls = []string{fromClipboard}
			}
		}
		if len(urls) == 0 {
			cmd.Help()
			return
		}

		count := 0
		for _, url := range urls {
			name := ""
			if len(urls) == 1 {
				name = filename
			}
			if err := sendToDaemon(endpoint, url, name); err != nil {
				fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", url, err)
			} else {
				count++
			}
		}
		if count > 0 {
			fmt.Printf("Added %d download(s).\n", count)
		} else {
			os.Exit(1)
		}
	},
}

func sendToDaemon(endpoint, url, filename string) error {
	payload := map[string]string{"url": url}
	if filename != "" {
		payload["filename"] = filename
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is msd running? %w", err)
	}
	defer resp.Body.Close()

	var reply struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		TaskID   string `json:"task_id"`
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("bad response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", reply.Message)
	}

	fmt.Printf("Queued task #%s (%s)\n", reply.TaskID, reply.Filename)
	return nil
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().String("endpoint", "http://127.0.0.1:8765/", "Intake endpoint of the running daemon")
	addCmd.Flags().StringP("filename", "f", "", "Filename override (single URL only)")
}
