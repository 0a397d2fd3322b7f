package cmd

import (
	"github.com/multisocks-downloader/multisocks/internal/config"
	"github.com/multisocks-downloader/multisocks/internal/download"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// newOfflineManager builds a manager for one-shot commands that operate on
// the shared configuration without the daemon.
func newOfflineManager() (*download.Manager, error) {
	utils.ConfigureDebug(config.GetLogsDir())
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	return download.NewManager()
}
