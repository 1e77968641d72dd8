package config

import (
	"fmt"
	"time"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
)

// Config contains download manager configuration.
type Config struct {
	ConcurrentLimit   int           `envconfig:"CONCURRENT_LIMIT" default:"3"`
	AutoRetryAttempts int           `envconfig:"AUTO_RETRY_ATTEMPTS" default:"3"`
	AutoRetryDelay    time.Duration `envconfig:"AUTO_RETRY_DELAY" default:"5s"`
	HistoryCap        int           `envconfig:"HISTORY_CAP" default:"50"`
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR"`
	Debug             bool          `envconfig:"DEBUG" default:"false"`
}

// Default returns the baseline configuration used when no environment is
// consulted.
func Default() *Config {
	return &Config{
		ConcurrentLimit:   3,
		AutoRetryAttempts: 3,
		AutoRetryDelay:    5 * time.Second,
		HistoryCap:        50,
		DownloadDir:       xdg.UserDirs.Download,
	}
}

// Load reads DOWNPOUR_* environment variables over the defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("downpour", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = xdg.UserDirs.Download
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ConcurrentLimit <= 0 {
		return fmt.Errorf("concurrent limit must be positive, got %d", c.ConcurrentLimit)
	}
	if c.AutoRetryAttempts < 0 {
		return fmt.Errorf("auto retry attempts must not be negative, got %d", c.AutoRetryAttempts)
	}
	if c.AutoRetryDelay < 0 {
		return fmt.Errorf("auto retry delay must not be negative, got %s", c.AutoRetryDelay)
	}

	return nil
}
