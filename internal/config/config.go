package config

import (
	"os"
	"path/filepath"
)

const configDirName = ".multi_socks_downloader"

// GetConfigDir returns the per-user configuration directory, creating
// nothing. All persistent state (config, lock, logs, history) lives here.
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configDirName
	}
	return filepath.Join(home, configDirName)
}

// GetLogsDir returns the directory debug logs are written to.
func GetLogsDir() string {
	return filepath.Join(GetConfigDir(), "logs")
}

// GetConfigFile returns the path of the JSON settings file.
func GetConfigFile() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetHistoryDBFile returns the path of the download history database.
func GetHistoryDBFile() string {
	return filepath.Join(GetConfigDir(), "history.db")
}

// GetLockFile returns the path of the single-instance lock.
func GetLockFile() string {
	return filepath.Join(GetConfigDir(), "msd.lock")
}

// DefaultSaveDir is where downloads land unless configured otherwise.
func DefaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}

// EnsureDirs creates the configuration and logs directories.
func EnsureDirs() error {
	if err := os.MkdirAll(GetConfigDir(), 0755); err != nil {
		return err
	}
	return os.MkdirAll(GetLogsDir(), 0755)
}
