package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/downpour-dl/downpour/internal/config"
	"github.com/downpour-dl/downpour/internal/delivery"
	"github.com/downpour-dl/downpour/internal/engine"
	"github.com/downpour-dl/downpour/internal/logging"
)

var (
	concurrentLimit int
	retryAttempts   int
	retryDelay      time.Duration
	outputDir       string
	historyDB       string
	debug           bool
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "downpour",
	Short:   "Downpour is a concurrent download manager",
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&concurrentLimit, "concurrent", "c", 0, "Maximum simultaneous downloads")
	rootCmd.PersistentFlags().IntVarP(&retryAttempts, "retries", "r", 0, "Automatic retry attempts per download")
	rootCmd.PersistentFlags().DurationVar(&retryDelay, "retry-delay", 0, "Delay between automatic retries")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Directory to save finished downloads into")
	rootCmd.PersistentFlags().StringVar(&historyDB, "history-db", "", "Path of the history database (disabled when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(batchCmd)
}

// newManager builds the manager from environment configuration with CLI
// flag overrides on top.
func newManager(cmd *cobra.Command) (*engine.Manager, *config.Config, error) {
	logging.Init(debug)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if cmd.Flags().Changed("concurrent") {
		cfg.ConcurrentLimit = concurrentLimit
	}
	if cmd.Flags().Changed("retries") {
		cfg.AutoRetryAttempts = retryAttempts
	}
	if cmd.Flags().Changed("retry-delay") {
		cfg.AutoRetryDelay = retryDelay
	}
	if outputDir != "" {
		cfg.DownloadDir = outputDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return engine.New(cfg, delivery.NewFileSink(cfg.DownloadDir)), cfg, nil
}
