package cmd

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/multisocks-downloader/multisocks/internal/config"
)

var instanceLock *flock.Flock

// AcquireLock takes the single-instance lock. It returns true when this
// process is the master; false when another daemon already holds it.
func AcquireLock() (bool, error) {
	if err := config.EnsureDirs(); err != nil {
		return false, fmt.Errorf("failed to ensure config dirs: %w", err)
	}

	fileLock := flock.New(config.GetLockFile())
	locked, err := fileLock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		return false, nil
	}

	instanceLock = fileLock
	return true, nil
}

// ReleaseLock drops the lock if this process holds it.
func ReleaseLock() error {
	if instanceLock != nil {
		return instanceLock.Unlock()
	}
	return nil
}
