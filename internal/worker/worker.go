// Package worker executes a single download attempt: it probes the source
// for its total size, streams the body under a cancellable context and
// reports sampled progress while it runs.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/downpour-dl/downpour/internal/logging"
	httppkg "github.com/downpour-dl/downpour/pkg/http"
)

const (
	readBufferSize = 32 * 1024

	// DefaultReportInterval bounds how often progress recomputation is
	// pushed out of a running worker.
	DefaultReportInterval = 100 * time.Millisecond

	speedWindow = 5 * time.Second
)

// Options carries the per-request knobs of one transfer attempt.
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Snapshot is one progress recomputation. Total is -1 while the size is
// unknown; ETA is 0 whenever speed is zero or the size is unknown.
type Snapshot struct {
	Downloaded int64
	Total      int64
	Progress   float64
	SpeedBPS   int64
	ETA        time.Duration
}

// Worker performs one attempt of one download. It is the sole writer of
// its record for the duration of the attempt; progress leaves it only
// through the publish callback.
type Worker struct {
	id      uuid.UUID
	url     string
	client  *httppkg.Client
	opts    Options
	publish func(Snapshot)

	reportEvery time.Duration

	downloaded atomic.Int64
	total      atomic.Int64

	log zerolog.Logger
}

func New(id uuid.UUID, url string, client *httppkg.Client, opts Options, publish func(Snapshot)) *Worker {
	if publish == nil {
		publish = func(Snapshot) {}
	}

	w := &Worker{
		id:          id,
		url:         url,
		client:      client,
		opts:        opts,
		publish:     publish,
		reportEvery: DefaultReportInterval,
		log:         logging.Get("worker").With().Stringer("download_id", id).Logger(),
	}
	w.total.Store(-1)

	return w
}

// Run performs the attempt and returns the assembled artifact bytes.
// A context.Canceled return means the attempt was aborted, never that the
// transfer itself failed; every other error is a transport fault.
func (w *Worker) Run(ctx context.Context) ([]byte, error) {
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	w.probe(ctx)
	if err := ctx.Err(); err != nil {
		return nil, w.abortErr(err)
	}

	resp, err := w.client.Open(ctx, w.opts.Method, w.url, w.opts.Headers, w.opts.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, w.abortErr(ctx.Err())
		}
		return nil, fmt.Errorf("failed to open transfer: %w", err)
	}
	defer resp.Body.Close()

	if w.total.Load() <= 0 && resp.ContentLength > 0 {
		w.total.Store(resp.ContentLength)
	}

	samplerDone := make(chan struct{})
	stopSampler := w.startSampler(samplerDone)
	defer func() {
		stopSampler()
		<-samplerDone
	}()

	data, err := w.stream(ctx, resp.Body)
	if err != nil {
		return nil, err
	}

	if total := w.total.Load(); total > 0 && int64(len(data)) < total {
		return nil, fmt.Errorf("%w: got %d of %d bytes", httppkg.ErrUnexpectedEOF, len(data), total)
	}

	return data, nil
}

// Downloaded returns the bytes accumulated so far in this attempt.
func (w *Worker) Downloaded() int64 {
	return w.downloaded.Load()
}

// TotalSize returns the learned total size, or -1 when unknown.
func (w *Worker) TotalSize() int64 {
	return w.total.Load()
}

// probe asks the source for the total size before the real transfer
// starts. Failure to learn the size is not fatal; the transfer itself
// will surface any genuine fault.
func (w *Worker) probe(ctx context.Context) {
	size, err := w.client.ProbeSize(ctx, w.url, w.opts.Headers)
	if err != nil {
		w.log.Debug().Err(err).Msg("size probe failed, continuing with unknown size")
		return
	}

	if size > 0 {
		w.total.Store(size)
	}
}

func (w *Worker) stream(ctx context.Context, body io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readBufferSize)

	for {
		// Cooperative cancellation check at every chunk boundary.
		select {
		case <-ctx.Done():
			return nil, w.abortErr(ctx.Err())
		default:
		}

		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			w.downloaded.Add(int64(n))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf.Bytes(), nil
			}
			if ctx.Err() != nil {
				return nil, w.abortErr(ctx.Err())
			}
			return nil, fmt.Errorf("stream read fault: %w", httppkg.ClassifyError(err))
		}
	}
}

// abortErr keeps a user abort distinguishable from a timeout: timeouts
// ride the same cooperative-abort path but count as transport failures.
func (w *Worker) abortErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", httppkg.ErrTimeout, w.url)
	}

	return context.Canceled
}

// startSampler launches the goroutine that recomputes progress, speed and
// ETA at most once per report interval and pushes each recomputation out.
func (w *Worker) startSampler(done chan<- struct{}) (stop func()) {
	stopCh := make(chan struct{})

	go func() {
		defer close(done)

		type sample struct {
			t     time.Time
			bytes int64
		}

		ticker := time.NewTicker(w.reportEvery)
		defer ticker.Stop()

		var history []sample

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				downloaded := w.downloaded.Load()
				total := w.total.Load()

				history = append(history, sample{t: now, bytes: downloaded})
				cutoff := now.Add(-speedWindow)
				for len(history) > 1 && history[0].t.Before(cutoff) {
					history = history[1:]
				}

				var speed int64
				if len(history) >= 2 {
					oldest := history[0]
					if elapsed := now.Sub(oldest.t).Seconds(); elapsed > 0 {
						speed = int64(float64(downloaded-oldest.bytes) / elapsed)
					}
				}

				var eta time.Duration
				if speed > 0 && total > 0 && total > downloaded {
					eta = time.Duration(float64(total-downloaded)/float64(speed)) * time.Second
				}

				progress := 0.0
				if total > 0 {
					progress = float64(downloaded) / float64(total) * 100
					// 100 is reserved for Completed records.
					if progress >= 100 {
						progress = 99.9
					}
				}

				w.publish(Snapshot{
					Downloaded: downloaded,
					Total:      total,
					Progress:   progress,
					SpeedBPS:   speed,
					ETA:        eta,
				})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}
