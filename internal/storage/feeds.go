package storage

import (
	"context"
	"fmt"
	"time"
)

// FeedItemSeen reports whether the entry link was imported before.
func (db *DB) FeedItemSeen(ctx context.Context, link string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed_items WHERE link = ?`, link).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up feed item %s: %w", link, err)
	}
	return n > 0, nil
}

// MarkFeedItem records that link from feedURL has been imported.
func (db *DB) MarkFeedItem(ctx context.Context, feedURL, link string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO feed_items (link, feed_url, imported_at)
		VALUES (?, ?, ?)
		ON CONFLICT(link) DO NOTHING
	`, link, feedURL, toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to mark feed item %s: %w", link, err)
	}
	return nil
}
