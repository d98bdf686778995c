// Package persist implements durable storage backends for a stream node's
// events (spec.md §6 Persistence layout): an append-only flat file by
// default, with optional Postgres and S3-archival backends.
package persist

import (
	"fmt"
	"os"
	"sync"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// FileStore appends events to a file using the wire codec's framing, the
// same format a stream node speaks over HTTP. It implements
// stream.PersistHook.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFile opens (creating if needed) path for appending.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: opening %s: %w", path, err)
	}
	return &FileStore{file: f}, nil
}

// Append writes events to the file, implementing stream.PersistHook.
func (s *FileStore) Append(events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.EncodeAll(s.file, events)
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Preload reads path with the wire codec and returns all events it
// contains, for seeding a stream node's recent-events ring at startup —
// the Go equivalent of
// original_source/semserver/collector.py's
// preload_recent_events_buffer_from_file.
func Preload(path string) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: opening %s for preload: %w", path, err)
	}
	defer f.Close()

	events, err := wire.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("persist: preloading %s: %w", path, err)
	}
	return events, nil
}
