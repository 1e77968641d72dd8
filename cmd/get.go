package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/downpour-dl/downpour/internal/engine"
)

var (
	getFilename string
	getMethod   string
	getTimeout  time.Duration
	getBypass   bool
)

var getCmd = &cobra.Command{
	Use:   "get URL [URL...]",
	Short: "Download one or more URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getFilename, "filename", "f", "", "Filename for the download (single URL only)")
	getCmd.Flags().StringVar(&getMethod, "method", "", "HTTP method to use")
	getCmd.Flags().DurationVar(&getTimeout, "timeout", 0, "Per-download timeout (0 for none)")
	getCmd.Flags().BoolVar(&getBypass, "no-queue", false, "Start immediately without taking a concurrency slot")
}

func runGet(cmd *cobra.Command, args []string) error {
	if getFilename != "" && len(args) > 1 {
		return fmt.Errorf("--filename cannot be used with multiple URLs")
	}

	mgr, _, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	cleanup, err := startArchive(mgr)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := mgr.Subscribe("cli", 512)
	defer mgr.Unsubscribe("cli")

	opts := engine.Options{
		Method:     getMethod,
		Timeout:    getTimeout,
		Concurrent: getBypass,
	}

	ids := make(map[uuid.UUID]struct{}, len(args))
	for _, rawURL := range args {
		id, err := mgr.Start(rawURL, getFilename, opts)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", rawURL, err)
		}
		ids[id] = struct{}{}
	}

	return waitDownloads(ctx, mgr, events, ids)
}
