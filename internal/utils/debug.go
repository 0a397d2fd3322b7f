package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// File-based debug logging. The CLI owns stdout, so diagnostics go to a
// timestamped log file under the logs directory instead.

var (
	debugMu   sync.Mutex
	debugDir  string
	debugFile *os.File
)

// ConfigureDebug sets the directory debug logs are written to. The current
// log file, if any, is closed; the next Debug call opens a new one.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}
	debugDir = dir
}

// Debug appends a printf-style message to the session's debug log. It is a
// no-op if the log file cannot be created.
func Debug(format string, args ...any) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile == nil {
		if debugDir == "" {
			return
		}
		if err := os.MkdirAll(debugDir, 0755); err != nil {
			return
		}
		name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(debugDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		debugFile = f
	}

	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(debugFile, "%s %s\n", time.Now().Format("15:04:05.000"), msg)
}

// CleanupLogs removes old debug logs, keeping the newest keep files.
func CleanupLogs(keep int) {
	debugMu.Lock()
	dir := debugDir
	debugMu.Unlock()

	if dir == "" {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logs []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 10 && name[:6] == "debug-" && filepath.Ext(name) == ".log" {
			logs = append(logs, name)
		}
	}

	// Timestamped names sort chronologically.
	sort.Strings(logs)
	if len(logs) <= keep {
		return
	}
	for _, name := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}
