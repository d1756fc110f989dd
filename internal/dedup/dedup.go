// Package dedup persists the set of signals that already produced side
// effects. The daemon restarts freely (crashes, deploys, supervisor kicks)
// and must never reprocess a completion it already synchronized.
package dedup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/fibreops/dropwatch/internal/errors"
)

type processedSet struct {
	Processed map[string]time.Time `json:"processed"` // signal key -> first processing time
}

// Store is a durable processed-signal set backed by a JSON file. Writes are
// atomic so a crash mid-save leaves the previous state intact.
type Store struct {
	path  string
	state processedSet
	mu    sync.RWMutex
}

// NewStore loads the set at path, creating an empty file if none exists.
// An unreadable file is reported as ErrCorruptState rather than silently
// reset; losing the set would replay every retained signal.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		state: processedSet{
			Processed: make(map[string]time.Time),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.save()
	}

	if err != nil {
		return errors.Wrap(err, "read processed set")
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("processed set %s: %v: %w", s.path, err, errors.ErrCorruptState)
	}
	if s.state.Processed == nil {
		s.state.Processed = make(map[string]time.Time)
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// Save flushes the in-memory set to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// IsProcessed reports whether key has already been processed.
func (s *Store) IsProcessed(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.Processed[key]
	return ok
}

// MarkProcessed records key at the given time and persists immediately, so
// a crash between two signals cannot replay the first one.
func (s *Store) MarkProcessed(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Processed[key] = at.UTC()
	return s.save()
}

// Len returns the number of processed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Processed)
}

// Compact clears the whole set once it exceeds max entries, returning true
// when a compaction happened. Clearing everything risks reprocessing signals
// still inside the lookback horizon, but sink writes are idempotent so the
// worst case is a redundant upsert. A smarter policy would evict only entries
// older than the lookback window; keyed timestamps are stored for exactly
// that upgrade.
func (s *Store) Compact(max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || len(s.state.Processed) <= max {
		return false, nil
	}

	s.state.Processed = make(map[string]time.Time)
	return true, s.save()
}

// Reinitialize replaces whatever is at path with an empty set. This is the
// operator escape hatch for a corrupt file NewStore refuses to load.
func Reinitialize(path string) error {
	s := &Store{
		path: path,
		state: processedSet{
			Processed: make(map[string]time.Time),
		},
	}
	return errors.Wrap(s.save(), "reinitialize processed set")
}
