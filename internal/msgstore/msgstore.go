// Package msgstore reads the append-only chat log maintained by the bridge
// process. The store is strictly an observer: it never writes to the bridge
// database, and the bridge keeps writing while we read, so every query has
// to tolerate WAL contention.
package msgstore

import (
	"context"
	"time"
)

// Message is one chat log entry.
type Message struct {
	ID        string
	ChatJID   string
	Sender    string
	Content   string
	Timestamp time.Time
	FromSelf  bool
}

// MessageStore is the read surface over the chat log.
type MessageStore interface {
	// FetchSince returns messages in chatJID with Timestamp strictly after
	// since, ordered ascending. An empty window is not an error.
	FetchSince(ctx context.Context, chatJID string, since time.Time) ([]Message, error)

	// RecentContext returns up to limit messages in chatJID with Timestamp
	// strictly before the given point, ordered most-recent-last. This is the
	// lookback window for resolving bare completion signals.
	RecentContext(ctx context.Context, chatJID string, before time.Time, limit int) ([]Message, error)

	// Ping checks the log is reachable.
	Ping(ctx context.Context) error

	Close() error
}
