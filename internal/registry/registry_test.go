package registry_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/registry"
	"github.com/downpour-dl/downpour/internal/status"
)

func TestCreateAndGet(t *testing.T) {
	r := registry.New(10)
	id := uuid.New()

	rec := r.Create(id, "https://example.com/file.bin", "file.bin")

	assert.Equal(t, id, rec.ID)
	assert.Equal(t, status.Pending, rec.Status)
	assert.Equal(t, int64(-1), rec.TotalSize)
	assert.False(t, rec.SizeKnown())
	assert.False(t, rec.CreatedAt.IsZero())

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	_, ok = r.Get(uuid.New())
	assert.False(t, ok)
}

func TestUpdateClampsInvariants(t *testing.T) {
	tests := []struct {
		name           string
		mutate         func(*registry.DownloadRecord)
		wantDownloaded int64
		wantProgress   float64
	}{
		{
			name: "downloaded capped at total",
			mutate: func(r *registry.DownloadRecord) {
				r.TotalSize = 100
				r.Downloaded = 150
			},
			wantDownloaded: 100,
		},
		{
			name: "progress capped at 100",
			mutate: func(r *registry.DownloadRecord) {
				r.Progress = 120
			},
			wantProgress: 100,
		},
		{
			name: "negative progress floored",
			mutate: func(r *registry.DownloadRecord) {
				r.Progress = -5
			},
			wantProgress: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := registry.New(10)
			id := uuid.New()
			r.Create(id, "https://example.com/a", "a")

			require.True(t, r.Update(id, tt.mutate))

			got, ok := r.Get(id)
			require.True(t, ok)
			assert.Equal(t, tt.wantDownloaded, got.Downloaded)
			assert.Equal(t, tt.wantProgress, got.Progress)
		})
	}
}

func TestUpdateUnknownID(t *testing.T) {
	r := registry.New(10)
	assert.False(t, r.Update(uuid.New(), func(*registry.DownloadRecord) {}))
}

func TestActiveSetTracksDownloadingStatus(t *testing.T) {
	r := registry.New(10)
	id := uuid.New()
	r.Create(id, "https://example.com/a", "a")

	assert.Equal(t, 0, r.ActiveCount())

	r.Update(id, func(rec *registry.DownloadRecord) { rec.Status = status.Downloading })
	assert.Equal(t, 1, r.ActiveCount())
	assert.Contains(t, r.ActiveIDs(), id)

	r.Update(id, func(rec *registry.DownloadRecord) { rec.Status = status.Completed })
	assert.Equal(t, 0, r.ActiveCount())
	assert.Empty(t, r.ActiveIDs())
}

func TestListOrderedByCreation(t *testing.T) {
	r := registry.New(10)

	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	r.Create(first, "https://example.com/1", "1")
	r.Create(second, "https://example.com/2", "2")
	r.Create(third, "https://example.com/3", "3")

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, third, list[2].ID)
}

func TestArchiveOrderAndEviction(t *testing.T) {
	r := registry.New(3)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		r.Create(ids[i], "https://example.com/f", "f")
		r.Update(ids[i], func(rec *registry.DownloadRecord) { rec.Status = status.Completed })
	}

	var evicted []uuid.UUID
	for _, id := range ids {
		evicted = append(evicted, r.Archive(id)...)
	}

	// Oldest archived entries fall off the end once the cap is hit.
	require.Len(t, evicted, 2)
	assert.Equal(t, ids[0], evicted[0])
	assert.Equal(t, ids[1], evicted[1])

	hist := r.History()
	require.Len(t, hist, 3)
	assert.Equal(t, ids[4], hist[0].ID)
	assert.Equal(t, ids[3], hist[1].ID)
	assert.Equal(t, ids[2], hist[2].ID)

	// Evicted records are gone entirely, not just out of history.
	_, ok := r.Get(ids[0])
	assert.False(t, ok)
	assert.Equal(t, 3, r.Len())
}

func TestArchiveSameIDTwiceKeepsOneEntry(t *testing.T) {
	r := registry.New(3)
	id := uuid.New()
	r.Create(id, "https://example.com/f", "f")

	r.Archive(id)
	r.Archive(id)

	assert.Len(t, r.History(), 1)
}

func TestUnarchive(t *testing.T) {
	r := registry.New(3)
	id := uuid.New()
	r.Create(id, "https://example.com/f", "f")

	r.Archive(id)
	require.Len(t, r.History(), 1)

	r.Unarchive(id)
	assert.Empty(t, r.History())

	// The record itself survives leaving the history.
	_, ok := r.Get(id)
	assert.True(t, ok)
}

func TestRemoveStripsEverywhere(t *testing.T) {
	r := registry.New(3)
	id := uuid.New()
	r.Create(id, "https://example.com/f", "f")
	r.Update(id, func(rec *registry.DownloadRecord) { rec.Status = status.Downloading })
	r.Update(id, func(rec *registry.DownloadRecord) { rec.Status = status.Error })
	r.Archive(id)

	require.True(t, r.Remove(id))

	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Empty(t, r.History())
	assert.Equal(t, 0, r.ActiveCount())

	assert.False(t, r.Remove(id))
}
