// Package notify keeps the record of which drops already received a feedback
// message. A drop gets at most one notification until its entry is reset,
// no matter how many cycles re-observe the same signal.
package notify

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

type sentRecord struct {
	FeedbackSent map[string]time.Time `json:"feedback_sent"` // "project_DR#######" -> send time
	LastUpdated  time.Time            `json:"last_updated"`
}

// Tracker is the durable suppression record, one JSON file per group.
type Tracker struct {
	path  string
	state sentRecord
	mu    sync.RWMutex
}

// NewTracker loads the tracker at path, creating an empty file if none
// exists. An unreadable file is ErrCorruptState; a lost tracker means
// duplicate feedback messages to the field teams.
func NewTracker(path string) (*Tracker, error) {
	tr := &Tracker{
		path: path,
		state: sentRecord{
			FeedbackSent: make(map[string]time.Time),
		},
	}
	if err := tr.load(); err != nil {
		return nil, err
	}
	return tr, nil
}

func (tr *Tracker) load() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	data, err := os.ReadFile(tr.path)
	if os.IsNotExist(err) {
		return tr.save()
	}

	if err != nil {
		return errors.Wrap(err, "read feedback tracker")
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &tr.state); err != nil {
		return fmt.Errorf("feedback tracker %s: %v: %w", tr.path, err, errors.ErrCorruptState)
	}
	if tr.state.FeedbackSent == nil {
		tr.state.FeedbackSent = make(map[string]time.Time)
	}
	return nil
}

func (tr *Tracker) save() error {
	data, err := json.MarshalIndent(tr.state, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(tr.path, bytes.NewReader(data))
}

// Save flushes the tracker to disk.
func (tr *Tracker) Save() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.save()
}

// ShouldNotify reports whether key may receive a feedback message. force
// bypasses suppression without touching the record.
func (tr *Tracker) ShouldNotify(key string, force bool) bool {
	if force {
		return true
	}

	tr.mu.RLock()
	defer tr.mu.RUnlock()
	_, sent := tr.state.FeedbackSent[key]
	return !sent
}

// MarkNotified records the send and persists immediately. Marking before
// knowing the delivery outcome is deliberate: a lost message costs one
// manual follow-up, a duplicate nags a whole group.
func (tr *Tracker) MarkNotified(key string, at time.Time) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.state.FeedbackSent[key] = at.UTC()
	tr.state.LastUpdated = at.UTC()
	return tr.save()
}

// Reset clears the suppression entry for key, re-arming exactly one future
// notification. Used when a drop is resubmitted for review.
func (tr *Tracker) Reset(key string, at time.Time) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, ok := tr.state.FeedbackSent[key]; !ok {
		return nil
	}

	delete(tr.state.FeedbackSent, key)
	tr.state.LastUpdated = at.UTC()
	return tr.save()
}

// Expire drops entries older than the horizon and returns how many were
// removed. Old drops never resurface in chat, so their entries are dead
// weight.
func (tr *Tracker) Expire(olderThan time.Time) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	count := 0
	for key, sentAt := range tr.state.FeedbackSent {
		if sentAt.Before(olderThan) {
			delete(tr.state.FeedbackSent, key)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, tr.save()
}

// Len returns the number of suppressed keys.
func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.state.FeedbackSent)
}
