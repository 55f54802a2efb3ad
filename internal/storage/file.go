package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	alertsFile      = "alerts.json"
	subscribersFile = "subscribers.json"
	historyFile     = "history.json"

	lockRetryDelay = 25 * time.Millisecond
)

// FileStore keeps each collection as an indented JSON array under a directory.
// Writes go through a temp file and rename so a snapshot is replaced whole.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrPersistence, err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op.
func (s *FileStore) Close() {}

// LockSnapshot takes an exclusive lock file next to the collection, so other
// fxwatch processes using the same directory wait for the cycle to finish.
func (s *FileStore) LockSnapshot(ctx context.Context, collection string) (func(), error) {
	lock := flock.New(filepath.Join(s.dir, "."+collection+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistence, collection, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: lock %s: not acquired", ErrPersistence, collection)
	}
	return func() { _ = lock.Unlock() }, nil
}

// LoadAlerts reads alerts.json; a missing file is an empty collection.
func (s *FileStore) LoadAlerts(_ context.Context) ([]Alert, error) {
	var alerts []Alert
	if err := s.read(alertsFile, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// SaveAlerts replaces alerts.json.
func (s *FileStore) SaveAlerts(_ context.Context, alerts []Alert) error {
	return s.write(alertsFile, nonNil(alerts))
}

// LoadSubscribers reads subscribers.json.
func (s *FileStore) LoadSubscribers(_ context.Context) ([]Subscriber, error) {
	var subs []Subscriber
	if err := s.read(subscribersFile, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// SaveSubscribers replaces subscribers.json.
func (s *FileStore) SaveSubscribers(_ context.Context, subscribers []Subscriber) error {
	return s.write(subscribersFile, nonNil(subscribers))
}

// LoadConversions reads history.json.
func (s *FileStore) LoadConversions(_ context.Context) ([]Conversion, error) {
	var history []Conversion
	if err := s.read(historyFile, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// AppendConversion rewrites history.json with conversion appended.
func (s *FileStore) AppendConversion(_ context.Context, conversion Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var history []Conversion
	if err := s.readLocked(historyFile, &history); err != nil {
		return err
	}
	history = append(history, conversion)
	return s.writeLocked(historyFile, history)
}

func (s *FileStore) read(name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(name, out)
}

func (s *FileStore) readLocked(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrPersistence, name, err)
	}
	return nil
}

func (s *FileStore) write(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name, value)
}

func (s *FileStore) writeLocked(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %v", ErrPersistence, name, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

var _ Backend = (*FileStore)(nil)
