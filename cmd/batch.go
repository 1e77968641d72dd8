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
	"gopkg.in/yaml.v3"

	"github.com/downpour-dl/downpour/internal/engine"
)

// batchJob is one entry of a batch file. Timeout is a duration string
// like "30s"; yaml has no native duration scalar.
type batchJob struct {
	URL        string            `yaml:"url"`
	Filename   string            `yaml:"filename,omitempty"`
	Method     string            `yaml:"method,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty"`
	Retries    int               `yaml:"retries,omitempty"`
	Concurrent bool              `yaml:"concurrent,omitempty"`

	timeout time.Duration
}

var batchCmd = &cobra.Command{
	Use:   "batch FILE",
	Short: "Download every job listed in a YAML batch file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := loadBatchFile(args[0])
	if err != nil {
		return err
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

	ids := make(map[uuid.UUID]struct{}, len(jobs))
	for _, job := range jobs {
		opts := engine.Options{
			Method:        job.Method,
			Headers:       job.Headers,
			Timeout:       job.timeout,
			RetryAttempts: job.Retries,
			Concurrent:    job.Concurrent,
		}

		id, err := mgr.Start(job.URL, job.Filename, opts)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", job.URL, err)
		}
		ids[id] = struct{}{}
	}

	fmt.Printf("started %d download(s)\n", len(ids))

	return waitDownloads(ctx, mgr, events, ids)
}

func loadBatchFile(path string) ([]batchJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var jobs []batchJob
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("batch file %s contains no jobs", path)
	}

	for i := range jobs {
		if jobs[i].URL == "" {
			return nil, fmt.Errorf("batch job %d has no url", i+1)
		}
		if jobs[i].Timeout != "" {
			d, err := time.ParseDuration(jobs[i].Timeout)
			if err != nil {
				return nil, fmt.Errorf("batch job %d has a bad timeout: %w", i+1, err)
			}
			jobs[i].timeout = d
		}
	}

	return jobs, nil
}
