// Package sqlite provides a SQLite-backed notification log. Every unlock
// notification the service emits is appended here so clients that were not
// connected when it fired can catch up.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ app.Notifier = (*Log)(nil)

// DefaultLimit caps ListSince when the caller passes a non-positive limit.
const DefaultLimit = 100

// Log implements app.Notifier using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and serialization.
type Log struct{ db *sql.DB }

// New constructs a Log, initializing the required schema if absent.
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	schema := `CREATE TABLE IF NOT EXISTS notifications (
id TEXT PRIMARY KEY,
capsule_id TEXT NOT NULL,
title TEXT NOT NULL,
body TEXT NOT NULL,
fired_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_fired_at ON notifications (fired_at);`
	_, err := l.db.Exec(schema)
	return err
}

// Notify appends n to the log.
func (l *Log) Notify(ctx context.Context, n app.Notification) error {
	const q = `INSERT INTO notifications (id, capsule_id, title, body, fired_at) VALUES (?,?,?,?,?)`
	_, err := l.db.ExecContext(ctx, q, n.ID, n.CapsuleID.String(), n.Title, n.Body, n.FiredAt.UnixNano())
	return err
}

// ListSince returns notifications fired strictly after since, oldest first,
// at most limit rows.
func (l *Log) ListSince(ctx context.Context, since time.Time, limit int) ([]app.Notification, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	const q = `SELECT id, capsule_id, title, body, fired_at FROM notifications WHERE fired_at > ? ORDER BY fired_at ASC, id ASC LIMIT ?`
	var after int64
	if !since.IsZero() {
		after = since.UnixNano()
	}
	rows, err := l.db.QueryContext(ctx, q, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []app.Notification{}
	for rows.Next() {
		var (
			n       app.Notification
			capsule string
			fired   int64
		)
		if err = rows.Scan(&n.ID, &capsule, &n.Title, &n.Body, &fired); err != nil {
			return nil, err
		}
		n.CapsuleID = domain.CapsuleID(capsule)
		n.FiredAt = time.Unix(0, fired).UTC()
		out = append(out, n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBefore removes notifications fired before t and returns the count.
func (l *Log) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	const del = `DELETE FROM notifications WHERE fired_at < ?`
	res, err := l.db.ExecContext(ctx, del, t.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
