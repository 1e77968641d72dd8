// Package archive is an external collaborator that mirrors terminal
// download records into a bbolt file, so a UI layer can show history
// across restarts. The core never reads this store back; it stays the
// sole source of truth for live state.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/downpour-dl/downpour/internal/event"
	"github.com/downpour-dl/downpour/internal/logging"
	"github.com/downpour-dl/downpour/internal/registry"
)

const historyBucket = "history"

type Store struct {
	db *bbolt.DB
}

func Open(dbPath string) (*Store, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists one record keyed by its id.
func (s *Store) Put(rec registry.DownloadRecord) error {
	if rec.ID == uuid.Nil {
		return errors.New("record ID cannot be empty")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := bucket.Put([]byte(rec.ID.String()), data); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		return nil
	})
}

// Get retrieves a persisted record by id.
func (s *Store) Get(id uuid.UUID) (registry.DownloadRecord, error) {
	var rec registry.DownloadRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(historyBucket)).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("record %s not found", id)
		}

		return json.Unmarshal(data, &rec)
	})

	return rec, err
}

// All returns every persisted record.
func (s *Store) All() ([]registry.DownloadRecord, error) {
	var out []registry.DownloadRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(historyBucket)).ForEach(func(_, v []byte) error {
			var rec registry.DownloadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			out = append(out, rec)

			return nil
		})
	})

	return out, err
}

// Recorder subscribes a manager-shaped source of terminal events and
// persists the matching records until the event channel closes.
type Recorder struct {
	store *Store
	done  chan struct{}
}

// RecordSource is the slice of the manager the recorder needs.
type RecordSource interface {
	Get(id uuid.UUID) (registry.DownloadRecord, bool)
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store: store,
		done:  make(chan struct{}),
	}
}

// Run consumes events until ch closes. Progress events are ignored; each
// terminal event stores a snapshot of the finished record.
func (r *Recorder) Run(ch <-chan event.Event, src RecordSource) {
	defer close(r.done)

	log := logging.Get("archive")

	for e := range ch {
		if !e.Type.Terminal() {
			continue
		}
		if e.Type == event.TypeFailed && e.WillRetry {
			continue
		}

		rec, ok := src.Get(e.ID)
		if !ok {
			continue
		}

		if err := r.store.Put(rec); err != nil {
			log.Warn().Stringer("download_id", e.ID).Err(err).Msg("failed to persist history record")
		}
	}
}

// Done is closed once Run has drained its channel.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
