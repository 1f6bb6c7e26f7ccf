package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rubiojr/pulse/pkg/core"
)

// SaveNotification archives n. Saving the same id again keeps the stored
// read flag.
func (s *Store) SaveNotification(ctx context.Context, n core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification %s: %w", n.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, read, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		n.ID, n.UserID, string(n.Type), n.Read, n.CreatedAt.UnixMilli(), s.compress(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting notification %s: %w", n.ID, err)
	}
	return nil
}

// Notifications returns the notifications of userID, newest first.
func (s *Store) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]core.Notification, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := "SELECT id, read, payload FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	out := []core.Notification{}
	for rows.Next() {
		var (
			id   string
			read bool
			blob []byte
		)
		if err := rows.Scan(&id, &read, &blob); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		data, err := s.decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", id, err)
		}
		var n core.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("decoding notification %s: %w", id, err)
		}
		n.Read = read
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadCount returns the number of unread notifications of userID.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return n, nil
}

// MarkRead marks the given notifications of userID as read, or all of them
// when ids is empty. It returns how many changed.
func (s *Store) MarkRead(ctx context.Context, userID string, ids ...string) (int64, error) {
	query := "UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0"
	args := []any{userID}
	if len(ids) > 0 {
		query += " AND id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return res.RowsAffected()
}
