package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/multisocks-downloader/multisocks/internal/proxy"
)

// Settings is the per-user configuration record. The JSON key set is part
// of the on-disk contract and must not change.
type Settings struct {
	SaveDir                string                  `mapstructure:"save_dir"`
	DownloadDirs           []string                `mapstructure:"download_dirs"`
	SocksProxies           map[string]proxy.Record `mapstructure:"socks_proxies"`
	DefaultThreadCount     int                     `mapstructure:"default_thread_count"`
	DefaultChunksPerPart   int                     `mapstructure:"default_chunks_per_part"`
	DefaultThreadsPerProxy int                     `mapstructure:"default_threads_per_proxy"`
	ConnectionTimeout      int                     `mapstructure:"connection_timeout"`
	ReadTimeout            int                     `mapstructure:"read_timeout"`
	MaxRetryCount          int                     `mapstructure:"max_retry_count"`
	RetryBackoffFactor     float64                 `mapstructure:"retry_backoff_factor"`
	KeepAliveEnabled       bool                    `mapstructure:"keep_alive_enabled"`
	AutoAdjustChunkSize    bool                    `mapstructure:"auto_adjust_chunk_size"`
	AutoAdjustThreads      bool                    `mapstructure:"auto_adjust_threads"`
	MinimumSpeedThreshold  int64                   `mapstructure:"minimum_speed_threshold"`
}

// DefaultSettings mirrors the defaults the downloader ships with.
func DefaultSettings() *Settings {
	saveDir := DefaultSaveDir()
	return &Settings{
		SaveDir:                saveDir,
		DownloadDirs:           []string{saveDir},
		SocksProxies:           map[string]proxy.Record{},
		DefaultThreadCount:     10,
		DefaultChunksPerPart:   10,
		DefaultThreadsPerProxy: 3,
		ConnectionTimeout:      10,
		ReadTimeout:            30,
		MaxRetryCount:          3,
		RetryBackoffFactor:     2,
		KeepAliveEnabled:       true,
		AutoAdjustChunkSize:    true,
		AutoAdjustThreads:      true,
		// Reserved knob: configured but not acted on.
		MinimumSpeedThreshold: 5 * 1024,
	}
}

// LoadSettings reads the JSON settings file, falling back to defaults for
// missing keys or a missing file.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetConfigFile())
}

// LoadSettingsFrom reads settings from an explicit path.
func LoadSettingsFrom(path string) (*Settings, error) {
	settings := DefaultSettings()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := v.Unmarshal(settings); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if settings.SaveDir == "" {
		settings.SaveDir = DefaultSaveDir()
	}
	if len(settings.DownloadDirs) == 0 {
		settings.DownloadDirs = []string{settings.SaveDir}
	}
	if settings.SocksProxies == nil {
		settings.SocksProxies = map[string]proxy.Record{}
	}
	return settings, nil
}

// SaveSettings writes the settings to the default JSON config file.
func SaveSettings(settings *Settings) error {
	return SaveSettingsTo(GetConfigFile(), settings)
}

// SaveSettingsTo writes the settings to an explicit path.
func SaveSettingsTo(path string, settings *Settings) error {
	v := viper.New()
	v.SetConfigType("json")

	v.Set("save_dir", settings.SaveDir)
	v.Set("download_dirs", settings.DownloadDirs)
	v.Set("socks_proxies", settings.SocksProxies)
	v.Set("default_thread_count", settings.DefaultThreadCount)
	v.Set("default_chunks_per_part", settings.DefaultChunksPerPart)
	v.Set("default_threads_per_proxy", settings.DefaultThreadsPerProxy)
	v.Set("connection_timeout", settings.ConnectionTimeout)
	v.Set("read_timeout", settings.ReadTimeout)
	v.Set("max_retry_count", settings.MaxRetryCount)
	v.Set("retry_backoff_factor", settings.RetryBackoffFactor)
	v.Set("keep_alive_enabled", settings.KeepAliveEnabled)
	v.Set("auto_adjust_chunk_size", settings.AutoAdjustChunkSize)
	v.Set("auto_adjust_threads", settings.AutoAdjustThreads)
	v.Set("minimum_speed_threshold", settings.MinimumSpeedThreshold)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
