package msgstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fibreops/dropwatch/internal/errors"
)

// SQLiteStore reads the bridge's messages database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the bridge database at path. The bridge runs in WAL mode;
// busy_timeout covers the common contention case, the query retry covers the
// rest.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open messages db")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the messages table is reachable, not just the file.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var n int
	err := retryOnContention(func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages LIMIT 1`).Scan(&n)
	})
	if err != nil {
		return errors.Wrap(errors.MapError(err), "ping messages db")
	}
	return nil
}

// FetchSince implements MessageStore. The bridge has stored timestamps in
// several layouts over time ("T"-separated RFC 3339 and the space-separated
// driver default), so both sides of the comparison go through datetime(),
// which normalizes every layout to UTC at second precision. The bound is
// inclusive: a checkpoint sitting on a shared second refetches the boundary
// message, and the processed set absorbs the replay.
func (s *SQLiteStore) FetchSince(ctx context.Context, chatJID string, since time.Time) ([]Message, error) {
	const q = `
		SELECT id, chat_jid, sender, content, timestamp, is_from_me
		FROM messages
		WHERE chat_jid = ? AND datetime(timestamp) >= ?
		ORDER BY datetime(timestamp) ASC`

	var msgs []Message
	err := retryOnContention(func() error {
		rows, err := s.db.QueryContext(ctx, q, chatJID, sqliteTime(since))
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs = msgs[:0]
		return scanMessages(rows, &msgs)
	})
	if err != nil {
		return nil, errors.Wrap(errors.MapError(err), "fetch messages")
	}
	return msgs, nil
}

// RecentContext implements MessageStore. The query walks backwards for the
// newest limit rows, then the result is reversed to most-recent-last.
func (s *SQLiteStore) RecentContext(ctx context.Context, chatJID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	const q = `
		SELECT id, chat_jid, sender, content, timestamp, is_from_me
		FROM messages
		WHERE chat_jid = ? AND datetime(timestamp) < ?
		ORDER BY datetime(timestamp) DESC
		LIMIT ?`

	var msgs []Message
	err := retryOnContention(func() error {
		rows, err := s.db.QueryContext(ctx, q, chatJID, sqliteTime(before), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs = msgs[:0]
		return scanMessages(rows, &msgs)
	})
	if err != nil {
		return nil, errors.Wrap(errors.MapError(err), "fetch context window")
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// sqliteTime renders a bound in the layout datetime() emits, so the
// comparison is string-on-string after both sides are normalized.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func scanMessages(rows *sql.Rows, out *[]Message) error {
	for rows.Next() {
		var (
			m        Message
			ts       string
			fromSelf int
		)
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.Content, &ts, &fromSelf); err != nil {
			return err
		}
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return err
		}
		m.Timestamp = parsed
		m.FromSelf = fromSelf != 0
		*out = append(*out, m)
	}
	return rows.Err()
}

// parseTimestamp accepts the formats the bridge has written over time.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.InvalidInput("unparseable message timestamp " + raw)
}
