// Package engine implements the download orchestration core: a Manager
// that admits downloads under a bounded-concurrency budget, runs one
// transfer worker per download, applies the retry policy on failures and
// keeps the registry as the single source of truth for observable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/downpour-dl/downpour/internal/config"
	"github.com/downpour-dl/downpour/internal/delivery"
	"github.com/downpour-dl/downpour/internal/event"
	"github.com/downpour-dl/downpour/internal/logging"
	"github.com/downpour-dl/downpour/internal/registry"
	"github.com/downpour-dl/downpour/internal/status"
	"github.com/downpour-dl/downpour/internal/worker"
	httppkg "github.com/downpour-dl/downpour/pkg/http"
)

var (
	// ErrDownloadNotFound is returned when a download cannot be found.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrInvalidURL is returned for malformed or non-HTTP locators.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrInvalidOptions is returned when start options fail validation.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrManagerClosed is returned once Shutdown has begun.
	ErrManagerClosed = errors.New("manager is closed")

	// ErrNotResumable is returned when resume is called on a download
	// that is not Pending.
	ErrNotResumable = errors.New("download is not pending")

	// ErrNotRetryable is returned when retry is called on a download
	// that is not in the Error state.
	ErrNotRetryable = errors.New("download is not in error state")
)

// NoRetries disables automatic retries for a single download.
const NoRetries = -1

// Options carries the per-download knobs accepted by Start. The zero
// value inherits every global default.
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration

	// RetryAttempts overrides the manager's automatic retry cap when
	// positive; NoRetries disables automatic retries for this download.
	RetryAttempts int
	// RetryDelay overrides the delay between automatic retries.
	RetryDelay time.Duration

	OnProgress func(pct float64, downloaded, total int64)
	OnComplete func(artifact delivery.Artifact)
	OnError    func(err error)

	// Concurrent admits the download immediately without consuming a
	// concurrency slot.
	Concurrent bool
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// handle is the runtime side of a record: callbacks, resolved retry
// policy and the abort plumbing of the in-flight attempt. Records hold
// observable state; handles hold control state.
type handle struct {
	opts       Options
	retryCap   int
	retryDelay time.Duration
	bypass     bool

	cancel     context.CancelFunc
	stop       stopReason
	retryTimer *time.Timer
}

// Manager is the download orchestration core. Construct one at the
// composition root and pass it by reference to consumers.
type Manager struct {
	mu sync.Mutex

	cfg      *config.Config
	client   *httppkg.Client
	registry *registry.Registry
	bus      *event.Bus
	sched    *scheduler
	deliver  delivery.Delivery

	handles map[uuid.UUID]*handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	log zerolog.Logger
}

// New creates a Manager. A nil cfg uses config.Default(); a nil deliver
// discards finished artifacts.
func New(cfg *config.Config, deliver delivery.Delivery) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if deliver == nil {
		deliver = delivery.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		client:   httppkg.NewClient(),
		registry: registry.New(cfg.HistoryCap),
		bus:      event.NewBus(),
		deliver:  deliver,
		handles:  make(map[uuid.UUID]*handle),
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Get("engine"),
	}
	m.sched = newScheduler(cfg.ConcurrentLimit, m.launch)

	return m
}

// Start validates opts, creates a record and admits it. It returns
// immediately; completion is observable through the registry, the event
// bus and the per-download callbacks.
func (m *Manager) Start(rawURL, filename string, opts Options) (uuid.UUID, error) {
	if m.isClosed() {
		return uuid.Nil, ErrManagerClosed
	}

	if err := validateStart(rawURL, opts); err != nil {
		return uuid.Nil, err
	}

	if filename == "" {
		filename = deriveFilename(rawURL)
	}

	id := uuid.New()

	h := &handle{
		opts:       opts,
		retryCap:   m.cfg.AutoRetryAttempts,
		retryDelay: m.cfg.AutoRetryDelay,
		bypass:     opts.Concurrent,
	}
	if opts.RetryAttempts > 0 {
		h.retryCap = opts.RetryAttempts
	} else if opts.RetryAttempts == NoRetries {
		h.retryCap = 0
	}
	if opts.RetryDelay > 0 {
		h.retryDelay = opts.RetryDelay
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, ErrManagerClosed
	}
	m.handles[id] = h
	m.mu.Unlock()

	m.registry.Create(id, rawURL, filename)
	m.log.Debug().Stringer("download_id", id).Str("url", rawURL).Msg("download created")

	m.admit(id)

	return id, nil
}

// Pause aborts the in-flight transfer and returns the download to
// Pending without touching its attempt counter. Pausing a download that
// is not actively transferring is a no-op.
func (m *Manager) Pause(id uuid.UUID) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	if rec.Status != status.Downloading {
		return nil
	}

	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok || h.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	h.stop = stopPause
	abort := h.cancel
	m.mu.Unlock()

	abort()

	return nil
}

// Resume re-admits a Pending download through the scheduler as a fresh
// attempt. Resuming a download already waiting in the queue is a no-op.
func (m *Manager) Resume(id uuid.UUID) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	if rec.Status != status.Pending {
		return fmt.Errorf("%w: status is %s", ErrNotResumable, rec.Status)
	}

	if m.sched.isQueued(id) {
		return nil
	}

	m.admit(id)

	return nil
}

// Cancel aborts a download from any non-terminal state. Cancelling an
// already-terminal download is a no-op, except that an Error download
// still awaiting an automatic retry has that retry revoked and becomes
// Cancelled.
func (m *Manager) Cancel(id uuid.UUID) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	switch rec.Status {
	case status.Downloading:
		m.mu.Lock()
		h, ok := m.handles[id]
		if !ok || h.cancel == nil {
			m.mu.Unlock()
			return nil
		}
		h.stop = stopCancel
		abort := h.cancel
		m.mu.Unlock()

		abort()

	case status.Pending:
		// Queued or paused: nothing in flight, no slot held.
		m.sched.drop(id)
		m.finalizeCancelled(id)

	case status.Error:
		if m.stopRetryTimer(id) {
			m.registry.Unarchive(id)
			m.finalizeCancelled(id)
		}

	case status.Completed, status.Cancelled:
	}

	return nil
}

// Retry manually restarts an Error download with a fresh attempt budget.
func (m *Manager) Retry(id uuid.UUID) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	if rec.Status != status.Error {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, rec.Status)
	}

	m.stopRetryTimer(id)
	m.registry.Unarchive(id)
	m.registry.Update(id, func(r *registry.DownloadRecord) {
		r.Status = status.Pending
		r.CompletedAt = time.Time{}
		// A manual retry starts a fresh budget rather than counting
		// against the exhausted one.
		r.Attempts = 0
	})

	m.admit(id)

	return nil
}

// Remove cancels the download if it is still live, then deletes it from
// the registry and history.
func (m *Manager) Remove(id uuid.UUID) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	m.stopRetryTimer(id)

	if rec.Status == status.Downloading {
		if err := m.Cancel(id); err != nil {
			return err
		}
	} else {
		m.sched.drop(id)
	}

	m.registry.Remove(id)

	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()

	return nil
}

// ClearCompleted removes every Completed download.
func (m *Manager) ClearCompleted() {
	for _, rec := range m.registry.List() {
		if rec.Status == status.Completed {
			m.registry.Remove(rec.ID)

			m.mu.Lock()
			delete(m.handles, rec.ID)
			m.mu.Unlock()
		}
	}
}

// ClearAll cancels all live downloads and removes every record.
func (m *Manager) ClearAll() {
	for _, rec := range m.registry.List() {
		if !rec.Status.Terminal() {
			_ = m.Cancel(rec.ID)
		}

		m.stopRetryTimer(rec.ID)
		m.registry.Remove(rec.ID)

		m.mu.Lock()
		delete(m.handles, rec.ID)
		m.mu.Unlock()
	}
}

// Get returns a snapshot of the download record.
func (m *Manager) Get(id uuid.UUID) (registry.DownloadRecord, bool) {
	return m.registry.Get(id)
}

// List returns snapshots of all records ordered by creation time.
func (m *Manager) List() []registry.DownloadRecord {
	return m.registry.List()
}

// History returns archived records, most recent first.
func (m *Manager) History() []registry.DownloadRecord {
	return m.registry.History()
}

// ActiveCount returns the number of records currently Downloading.
func (m *Manager) ActiveCount() int {
	return m.registry.ActiveCount()
}

// Subscribe registers an event listener under key.
func (m *Manager) Subscribe(key string, buffer int) <-chan event.Event {
	return m.bus.Subscribe(key, buffer)
}

// Unsubscribe removes an event listener.
func (m *Manager) Unsubscribe(key string) {
	m.bus.Unsubscribe(key)
}

// Shutdown aborts all in-flight transfers, waits for their workers to
// finish and closes the event bus. In-flight downloads end Pending, the
// same as an explicit pause.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	for _, h := range m.handles {
		if h.retryTimer != nil {
			h.retryTimer.Stop()
			h.retryTimer = nil
		}
		if h.cancel != nil {
			h.stop = stopPause
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.bus.Close()

	m.log.Debug().Msg("manager shut down")
}

// admit asks the scheduler for a slot. When the download must wait, its
// record stays Pending and a queued event is published.
func (m *Manager) admit(id uuid.UUID) {
	if m.sched.admit(id, m.isBypass(id)) {
		return
	}

	m.log.Debug().Stringer("download_id", id).Msg("queued awaiting slot")
	m.publish(event.TypeQueued, id, "")
}

// launch transitions the record to Downloading and runs its worker. It is
// invoked by the scheduler, either directly from admit or on promotion.
func (m *Manager) launch(id uuid.UUID) {
	rec, ok := m.registry.Get(id)
	if !ok {
		// Removed while queued; free the granted slot.
		m.sched.release(id)
		return
	}

	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok || m.closed {
		m.mu.Unlock()
		m.sched.release(id)
		return
	}

	attemptCtx, abort := context.WithCancel(m.ctx)
	h.cancel = abort
	h.stop = stopNone
	opts := h.opts
	m.mu.Unlock()

	// Fresh attempt: counters restart from zero. Only a Pending record
	// may start; anything else was cancelled or removed while queued.
	m.registry.Unarchive(id)
	launched := false
	m.registry.Update(id, func(r *registry.DownloadRecord) {
		if r.Status != status.Pending {
			return
		}
		launched = true
		r.Status = status.Downloading
		r.Downloaded = 0
		r.Progress = 0
		r.SpeedBPS = 0
		r.ETA = 0
		r.CompletedAt = time.Time{}
		r.LastError = ""
	})
	if !launched {
		abort()

		m.mu.Lock()
		h.cancel = nil
		m.mu.Unlock()

		m.sched.release(id)

		return
	}

	m.log.Debug().Stringer("download_id", id).Str("url", rec.URL).Msg("transfer starting")
	m.publish(event.TypeStarted, id, "")

	w := worker.New(id, rec.URL, m.client, worker.Options{
		Method:  opts.Method,
		Headers: opts.Headers,
		Body:    opts.Body,
		Timeout: opts.Timeout,
	}, m.progressSink(id, opts.OnProgress))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		data, err := w.Run(attemptCtx)
		abort()
		m.onWorkerDone(id, data, err)
	}()
}

// progressSink pushes each worker recomputation into the registry and out
// to the bus and the per-download callback. Stale samples arriving after
// the attempt ended are dropped by the status guard.
func (m *Manager) progressSink(id uuid.UUID, onProgress func(float64, int64, int64)) func(worker.Snapshot) {
	return func(s worker.Snapshot) {
		updated := m.registry.Update(id, func(r *registry.DownloadRecord) {
			if r.Status != status.Downloading {
				return
			}
			r.Downloaded = s.Downloaded
			if s.Total > 0 {
				r.TotalSize = s.Total
			}
			r.Progress = s.Progress
			r.SpeedBPS = s.SpeedBPS
			r.ETA = s.ETA
		})
		if !updated {
			return
		}

		if onProgress != nil {
			onProgress(s.Progress, s.Downloaded, s.Total)
		}

		m.publish(event.TypeProgress, id, "")
	}
}

// onWorkerDone translates a worker outcome into a record transition and
// drives the scheduler and retry policy.
func (m *Manager) onWorkerDone(id uuid.UUID, data []byte, err error) {
	defer m.sched.release(id)

	rec, ok := m.registry.Get(id)
	if !ok {
		// Removed mid-flight; nothing left to transition.
		return
	}

	m.mu.Lock()
	var reason stopReason
	var h *handle
	if h, ok = m.handles[id]; ok {
		reason = h.stop
		h.stop = stopNone
		h.cancel = nil
	}
	m.mu.Unlock()

	switch {
	case err == nil:
		artifact := delivery.Artifact{Filename: rec.Filename, Data: data}
		if derr := m.deliver.Deliver(m.ctx, artifact); derr != nil {
			m.failAttempt(id, h, fmt.Errorf("delivery failed: %w", derr))
			return
		}

		m.registry.Update(id, func(r *registry.DownloadRecord) {
			r.Status = status.Completed
			r.Downloaded = int64(len(data))
			if r.TotalSize <= 0 {
				r.TotalSize = int64(len(data))
			}
			r.Progress = 100
			r.SpeedBPS = 0
			r.ETA = 0
			r.CompletedAt = time.Now()
		})
		m.archive(id)

		m.log.Info().Stringer("download_id", id).Str("filename", rec.Filename).Msg("download completed")

		if h != nil && h.opts.OnComplete != nil {
			h.opts.OnComplete(artifact)
		}
		m.publish(event.TypeCompleted, id, "")

	case errors.Is(err, context.Canceled):
		if reason == stopPause {
			m.registry.Update(id, func(r *registry.DownloadRecord) {
				r.Status = status.Pending
				r.SpeedBPS = 0
				r.ETA = 0
			})

			m.log.Debug().Stringer("download_id", id).Msg("download paused")
			m.publish(event.TypePaused, id, "")

			return
		}

		m.finalizeCancelled(id)

	default:
		m.failAttempt(id, h, err)
	}
}

// failAttempt records a genuine failure and either schedules an automatic
// retry or finalizes the download as Error.
func (m *Manager) failAttempt(id uuid.UUID, h *handle, err error) {
	m.registry.Update(id, func(r *registry.DownloadRecord) {
		r.Status = status.Error
		r.LastError = err.Error()
		r.SpeedBPS = 0
		r.ETA = 0
		r.CompletedAt = time.Now()
	})
	m.archive(id)

	rec, ok := m.registry.Get(id)
	if !ok {
		return
	}

	m.log.Warn().Stringer("download_id", id).Err(err).Int("attempts", rec.Attempts).Msg("download failed")

	willRetry := h != nil && rec.Attempts < h.retryCap && !m.isClosed()

	if h != nil && h.opts.OnError != nil {
		h.opts.OnError(err)
	}
	m.publishFailure(id, err.Error(), willRetry)

	if willRetry {
		m.scheduleRetry(id, h)
	}
}

// scheduleRetry arms the delayed re-attempt for a failed download.
func (m *Manager) scheduleRetry(id uuid.UUID, h *handle) {
	m.registry.Update(id, func(r *registry.DownloadRecord) {
		r.Attempts++
	})

	delay := h.retryDelay

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	h.retryTimer = time.AfterFunc(delay, func() { m.fireRetry(id) })
	m.mu.Unlock()

	m.log.Debug().Stringer("download_id", id).Dur("delay", delay).Msg("retry scheduled")
}

// fireRetry re-admits a failed download once its retry delay elapses.
// The download may have been cancelled, removed or evicted in the
// meantime; in that case the retry is silently dropped.
func (m *Manager) fireRetry(id uuid.UUID) {
	if m.isClosed() {
		return
	}

	rec, ok := m.registry.Get(id)
	if !ok || rec.Status != status.Error {
		return
	}

	m.mu.Lock()
	if h, ok := m.handles[id]; ok {
		h.retryTimer = nil
	}
	m.mu.Unlock()

	m.registry.Unarchive(id)
	m.registry.Update(id, func(r *registry.DownloadRecord) {
		r.Status = status.Pending
		r.CompletedAt = time.Time{}
	})

	m.admit(id)
}

// finalizeCancelled marks a download Cancelled and archives it.
func (m *Manager) finalizeCancelled(id uuid.UUID) {
	updated := m.registry.Update(id, func(r *registry.DownloadRecord) {
		r.Status = status.Cancelled
		r.SpeedBPS = 0
		r.ETA = 0
		r.CompletedAt = time.Now()
	})
	if !updated {
		return
	}

	m.archive(id)

	m.log.Debug().Stringer("download_id", id).Msg("download cancelled")
	m.publish(event.TypeCancelled, id, "")
}

// archive pushes a terminal record into the bounded history and drops
// runtime state for anything the history evicted.
func (m *Manager) archive(id uuid.UUID) {
	evicted := m.registry.Archive(id)
	if len(evicted) == 0 {
		return
	}

	m.mu.Lock()
	for _, old := range evicted {
		if h, ok := m.handles[old]; ok {
			if h.retryTimer != nil {
				h.retryTimer.Stop()
			}
			delete(m.handles, old)
		}
	}
	m.mu.Unlock()
}

// stopRetryTimer revokes a pending automatic retry. It reports whether a
// timer was actually armed.
func (m *Manager) stopRetryTimer(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[id]
	if !ok || h.retryTimer == nil {
		return false
	}

	stopped := h.retryTimer.Stop()
	h.retryTimer = nil

	return stopped
}

func (m *Manager) isBypass(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[id]

	return ok && h.bypass
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// publish emits an event built from the current record snapshot.
func (m *Manager) publish(t event.Type, id uuid.UUID, errMsg string) {
	m.publishEvent(t, id, errMsg, false)
}

func (m *Manager) publishFailure(id uuid.UUID, errMsg string, willRetry bool) {
	m.publishEvent(event.TypeFailed, id, errMsg, willRetry)
}

func (m *Manager) publishEvent(t event.Type, id uuid.UUID, errMsg string, willRetry bool) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return
	}

	m.bus.Publish(event.Event{
		Type:       t,
		ID:         id,
		Filename:   rec.Filename,
		Downloaded: rec.Downloaded,
		Total:      rec.TotalSize,
		Progress:   rec.Progress,
		SpeedBPS:   rec.SpeedBPS,
		ETA:        rec.ETA,
		Attempts:   rec.Attempts,
		Err:        errMsg,
		WillRetry:  willRetry,
		Time:       time.Now(),
	})
}

func validateStart(rawURL string, opts Options) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if strings.ContainsAny(opts.Method, " \t\r\n") {
		return fmt.Errorf("%w: malformed method %q", ErrInvalidOptions, opts.Method)
	}
	if opts.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	if opts.RetryAttempts < NoRetries {
		return fmt.Errorf("%w: retry attempts must be >= %d", ErrInvalidOptions, NoRetries)
	}
	if opts.RetryDelay < 0 {
		return fmt.Errorf("%w: negative retry delay", ErrInvalidOptions)
	}

	return nil
}

func deriveFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}

	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}

	return base
}
