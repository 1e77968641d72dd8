package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 3, cfg.ConcurrentLimit)
	assert.Equal(t, 3, cfg.AutoRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.AutoRetryDelay)
	assert.Equal(t, 50, cfg.HistoryCap)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOWNPOUR_CONCURRENT_LIMIT", "7")
	t.Setenv("DOWNPOUR_AUTO_RETRY_ATTEMPTS", "1")
	t.Setenv("DOWNPOUR_AUTO_RETRY_DELAY", "250ms")
	t.Setenv("DOWNPOUR_DOWNLOAD_DIR", "/tmp/downloads")
	t.Setenv("DOWNPOUR_DEBUG", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.ConcurrentLimit)
	assert.Equal(t, 1, cfg.AutoRetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.AutoRetryDelay)
	assert.Equal(t, "/tmp/downloads", cfg.DownloadDir)
	assert.True(t, cfg.Debug)
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	t.Setenv("DOWNPOUR_CONCURRENT_LIMIT", "lots")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*config.Config) {},
		},
		{
			name:    "zero concurrent limit",
			mutate:  func(c *config.Config) { c.ConcurrentLimit = 0 },
			wantErr: true,
		},
		{
			name:    "negative concurrent limit",
			mutate:  func(c *config.Config) { c.ConcurrentLimit = -1 },
			wantErr: true,
		},
		{
			name:   "zero retry attempts disables retries",
			mutate: func(c *config.Config) { c.AutoRetryAttempts = 0 },
		},
		{
			name:    "negative retry attempts",
			mutate:  func(c *config.Config) { c.AutoRetryAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "negative retry delay",
			mutate:  func(c *config.Config) { c.AutoRetryDelay = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
