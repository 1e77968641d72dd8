// Package registry owns the canonical map of download id to record, the
// active-id set and the bounded history. It is the only shared mutable
// state in the core; every mutation goes through one of its entry points
// under a single lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/downpour-dl/downpour/internal/status"
)

const DefaultHistoryCap = 50

// DownloadRecord is the per-transfer state entity tracked by the registry.
// TotalSize is -1 until the size has been learned from the source.
// CompletedAt is the zero time until the record reaches a terminal status.
type DownloadRecord struct {
	ID          uuid.UUID     `json:"id"`
	URL         string        `json:"url"`
	Filename    string        `json:"filename"`
	TotalSize   int64         `json:"totalSize"`
	Downloaded  int64         `json:"downloaded"`
	Status      status.Status `json:"status"`
	Progress    float64       `json:"progress"`
	SpeedBPS    int64         `json:"speedBPS"`
	ETA         time.Duration `json:"eta"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Attempts    int           `json:"attempts"`
}

// SizeKnown reports whether the source declared a usable total size.
func (r DownloadRecord) SizeKnown() bool {
	return r.TotalSize > 0
}

type Registry struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*DownloadRecord
	active     map[uuid.UUID]struct{}
	history    []uuid.UUID
	historyCap int
}

func New(historyCap int) *Registry {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}

	return &Registry{
		records:    make(map[uuid.UUID]*DownloadRecord),
		active:     make(map[uuid.UUID]struct{}),
		historyCap: historyCap,
	}
}

// Create inserts a fresh Pending record and returns a snapshot of it.
func (r *Registry) Create(id uuid.UUID, url, filename string) DownloadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &DownloadRecord{
		ID:        id,
		URL:       url,
		Filename:  filename,
		TotalSize: -1,
		Status:    status.Pending,
		CreatedAt: time.Now(),
	}
	r.records[id] = rec

	return *rec
}

// Update applies fn to the record under the registry lock. The active set
// is re-synced afterwards so that membership always matches
// Status == Downloading, and progress/downloaded are clamped to their
// invariant ranges. Returns false if the id is unknown.
func (r *Registry) Update(id uuid.UUID, fn func(*DownloadRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}

	fn(rec)

	if rec.TotalSize > 0 && rec.Downloaded > rec.TotalSize {
		rec.Downloaded = rec.TotalSize
	}
	if rec.Progress < 0 {
		rec.Progress = 0
	}
	if rec.Progress > 100 {
		rec.Progress = 100
	}

	if rec.Status == status.Downloading {
		r.active[id] = struct{}{}
	} else {
		delete(r.active, id)
	}

	return true
}

// Get returns a snapshot copy of the record.
func (r *Registry) Get(id uuid.UUID) (DownloadRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return DownloadRecord{}, false
	}

	return *rec, true
}

// Remove deletes the record and strips it from the active set and history.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false
	}

	delete(r.records, id)
	delete(r.active, id)
	r.history = withoutID(r.history, id)

	return true
}

// List returns snapshots of all records ordered by creation time.
func (r *Registry) List() []DownloadRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DownloadRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// ActiveCount returns the number of records currently Downloading.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.active)
}

// ActiveIDs returns the ids of all records currently Downloading.
func (r *Registry) ActiveIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}

	return out
}

// Archive pushes a terminal record to the front of the bounded history.
// Records evicted past the cap are deleted from the registry entirely;
// their ids are returned so callers can drop any per-id state of their own.
func (r *Registry) Archive(id uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return nil
	}

	r.history = withoutID(r.history, id)
	r.history = append([]uuid.UUID{id}, r.history...)

	var evicted []uuid.UUID
	for len(r.history) > r.historyCap {
		last := r.history[len(r.history)-1]
		r.history = r.history[:len(r.history)-1]
		delete(r.records, last)
		delete(r.active, last)
		evicted = append(evicted, last)
	}

	return evicted
}

// Unarchive takes a record back out of the history when it leaves a
// terminal state again, e.g. on a retry out of Error.
func (r *Registry) Unarchive(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = withoutID(r.history, id)
}

// History returns snapshots of archived records, most recent first.
func (r *Registry) History() []DownloadRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DownloadRecord, 0, len(r.history))
	for _, id := range r.history {
		if rec, ok := r.records[id]; ok {
			out = append(out, *rec)
		}
	}

	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}

func withoutID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}

	return ids
}
