package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/downpour-dl/downpour/internal/archive"
	"github.com/downpour-dl/downpour/internal/engine"
	"github.com/downpour-dl/downpour/internal/event"
	"github.com/downpour-dl/downpour/internal/format"
	"github.com/downpour-dl/downpour/internal/status"
)

// waitDownloads blocks until every id reaches a final outcome, rendering
// in-flight progress while it waits. The caller must have subscribed
// events before starting any download so no terminal event is missed.
// Returns an error when any download ends in Error or the context is
// interrupted.
func waitDownloads(ctx context.Context, mgr *engine.Manager, events <-chan event.Event, ids map[uuid.UUID]struct{}) error {
	done := make(chan struct{})
	failed := 0

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)

		remaining := len(ids)
		for remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if _, mine := ids[e.ID]; !mine {
					continue
				}

				switch e.Type {
				case event.TypeCompleted:
					fmt.Printf("done       %s (%s)\n", e.Filename, format.Bytes(e.Total))
					remaining--
				case event.TypeCancelled:
					fmt.Printf("cancelled  %s\n", e.Filename)
					remaining--
				case event.TypeFailed:
					if e.WillRetry {
						fmt.Printf("retrying   %s: %s\n", e.Filename, e.Err)
						continue
					}
					fmt.Printf("failed     %s: %s\n", e.Filename, e.Err)
					failed++
					remaining--
				}
			}
		}

		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, rec := range mgr.List() {
					if _, mine := ids[rec.ID]; !mine || rec.Status != status.Downloading {
						continue
					}
					fmt.Printf("%-10s %s  %s of %s  %s  eta %s\n",
						rec.Filename,
						format.Percent(rec.Progress),
						format.Bytes(rec.Downloaded),
						format.Bytes(rec.TotalSize),
						format.Speed(rec.SpeedBPS),
						format.ETA(rec.ETA),
					)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}

	return nil
}

// startArchive wires the bbolt history recorder to the manager when a
// history database path was given. The returned cleanup drains the
// recorder and closes the store.
func startArchive(mgr *engine.Manager) (cleanup func(), err error) {
	if historyDB == "" {
		return func() {}, nil
	}

	store, err := archive.Open(historyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	rec := archive.NewRecorder(store)
	ch := mgr.Subscribe("archive", 256)

	go rec.Run(ch, mgr)

	return func() {
		mgr.Unsubscribe("archive")
		<-rec.Done()
		store.Close()
	}, nil
}
