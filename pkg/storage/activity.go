package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
)

// DefaultLimit caps queries that do not set one.
const DefaultLimit = 50

// SaveActivity archives e. Saving the same id again replaces the entry.
func (s *Store) SaveActivity(ctx context.Context, e core.ActivityEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding activity %s: %w", e.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_fts WHERE rowid = (SELECT rowid FROM activity WHERE id = ?)`, e.ID); err != nil {
		return fmt.Errorf("removing previous index entry for %s: %w", e.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO activity (id, type, user_id, target_id, target_type, created_at, received_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.UserID, e.TargetID, string(e.TargetType),
		e.Timestamp.UnixMilli(), time.Now().UnixMilli(), s.compress(payload),
	); err != nil {
		return fmt.Errorf("inserting activity %s: %w", e.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activity_fts (rowid, summary, username, target_name, type)
		VALUES ((SELECT rowid FROM activity WHERE id = ?), ?, ?, ?, ?)`,
		e.ID, core.Summary(e), e.Username, e.TargetName, string(e.Type),
	); err != nil {
		return fmt.Errorf("indexing activity %s: %w", e.ID, err)
	}
	return tx.Commit()
}

// RecentActivity returns up to limit events, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]core.ActivityEvent, error) {
	return s.SearchActivity(ctx, ActivityQuery{Limit: limit})
}

// ActivityQuery filters archived activity. Zero fields do not filter.
type ActivityQuery struct {
	// Text is an FTS5 query over the summary, username and target name.
	Text       string
	Type       core.EventType
	TargetType core.TargetType
	TargetID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// SearchActivity returns matching events ordered by event time, newest
// first.
func (s *Store) SearchActivity(ctx context.Context, q ActivityQuery) ([]core.ActivityEvent, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	var (
		conds []string
		args  []any
	)
	from := "activity a"
	if text := escapeFTS5Query(q.Text); text != "" {
		from = "activity a JOIN activity_fts fts ON a.rowid = fts.rowid"
		conds = append(conds, "activity_fts MATCH ?")
		args = append(args, text)
	}
	if q.Type != "" {
		conds = append(conds, "a.type = ?")
		args = append(args, string(q.Type))
	}
	if q.TargetType != "" {
		conds = append(conds, "a.target_type = ?")
		args = append(args, string(q.TargetType))
	}
	if q.TargetID != "" {
		conds = append(conds, "a.target_id = ?")
		args = append(args, q.TargetID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "a.created_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "a.created_at <= ?")
		args = append(args, q.Until.UnixMilli())
	}

	query := "SELECT a.id, a.payload FROM " + from
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY a.created_at DESC, a.rowid DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	events := []core.ActivityEvent{}
	for rows.Next() {
		e, err := s.scanActivity(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountActivity returns the number of archived events.
func (s *Store) CountActivity(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting activity: %w", err)
	}
	return n, nil
}

// ActivityStats summarizes the archive.
type ActivityStats struct {
	Total  int
	ByType map[core.EventType]int
	Oldest time.Time
	Newest time.Time
}

// Stats counts archived events per type and reports the time span they
// cover.
func (s *Store) Stats(ctx context.Context) (ActivityStats, error) {
	stats := ActivityStats{ByType: map[core.EventType]int{}}

	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM activity GROUP BY type")
	if err != nil {
		return stats, fmt.Errorf("counting activity by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return stats, fmt.Errorf("scanning activity count: %w", err)
		}
		stats.ByType[core.EventType(t)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.Total == 0 {
		return stats, nil
	}

	var oldest, newest int64
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(created_at), MAX(created_at) FROM activity").Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("reading activity span: %w", err)
	}
	stats.Oldest = time.UnixMilli(oldest).UTC()
	stats.Newest = time.UnixMilli(newest).UTC()
	return stats, nil
}

// PruneActivity deletes events older than before and returns how many
// were removed.
func (s *Store) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cutoff := before.UnixMilli()
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_fts WHERE rowid IN (SELECT rowid FROM activity WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("pruning activity index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM activity WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) scanActivity(rows *sql.Rows) (core.ActivityEvent, error) {
	var id string
	var blob []byte
	if err := rows.Scan(&id, &blob); err != nil {
		return core.ActivityEvent{}, fmt.Errorf("scanning activity row: %w", err)
	}
	data, err := s.decompress(blob)
	if err != nil {
		return core.ActivityEvent{}, fmt.Errorf("activity %s: %w", id, err)
	}
	e, err := core.ParseActivity(data)
	if err != nil {
		return core.ActivityEvent{}, fmt.Errorf("activity %s: %w", id, err)
	}
	return e, nil
}

// escapeFTS5Query turns free text into an FTS5 query that cannot fail to
// parse. Every word becomes a quoted phrase and a trailing * keeps prefix
// matching. Words are ANDed.
func escapeFTS5Query(text string) string {
	var terms []string
	for _, word := range strings.Fields(text) {
		prefix := strings.HasSuffix(word, "*")
		word = strings.TrimRight(word, "*")
		if word == "" {
			continue
		}
		term := `"` + strings.ReplaceAll(word, `"`, `""`) + `"`
		if prefix {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}
