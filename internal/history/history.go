package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	entriesBucket = "entries"
	metaBucket    = "meta"
	schemaVersion = 1
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var ErrEntryNotFound = errors.New("history entry not found")

// Entry is one download task as the journal remembers it. FailedShard and
// FailedOffset are set when a shard ended the task, which is where a rerun resumes.
type Entry struct {
	ID           uuid.UUID `json:"id"`
	URL          string    `json:"url"`
	Output       string    `json:"output"`
	Size         int64     `json:"size"`
	Shards       int       `json:"shards"`
	Status       Status    `json:"status"`
	Mode         string    `json:"mode"`
	Error        string    `json:"error,omitempty"`
	FailedShard  int       `json:"failedShard"`
	FailedOffset int64     `json:"failedOffset"`
	Resumed      int64     `json:"resumed"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Store is a bbolt-backed journal of download tasks.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return fmt.Errorf("failed to create entries bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
}

// Save inserts or replaces entry, assigning an ID when it has none.
func (s *Store) Save(entry *Entry) error {
	if entry == nil {
		return errors.New("cannot save nil entry")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Put([]byte(entry.ID.String()), data)
	})
}

func (s *Store) Get(id uuid.UUID) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(entriesBucket)).Get([]byte(id.String()))
		if data == nil {
			return ErrEntryNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns every entry, most recently started first.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	return entries, nil
}

func (s *Store) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket.Get([]byte(id.String())) == nil {
			return ErrEntryNotFound
		}
		return bucket.Delete([]byte(id.String()))
	})
}

// Clear drops every entry and reports how many were removed.
func (s *Store) Clear() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		removed = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(entriesBucket))
		return err
	})
	return removed, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
