package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const insertItemSQL = `INSERT INTO queue_items (
	external_key, platform, account_id, priority, scheduled_time, status,
	retry_count, payload_json, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (external_key, platform, account_id) DO NOTHING
RETURNING ` + itemColumns

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func validateNewItem(item NewItem) error {
	if strings.TrimSpace(item.ExternalKey) == "" {
		return errors.New("external key is required")
	}
	if strings.TrimSpace(item.Platform) == "" {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(item.AccountID) == "" {
		return errors.New("account id is required")
	}
	return nil
}

func insertItem(ctx context.Context, q queryRower, item NewItem, now string) (*Item, error) {
	status := StatusPending
	if item.ScheduledTime != nil {
		status = StatusScheduled
	}
	row := q.QueryRowContext(ctx, insertItemSQL,
		strings.TrimSpace(item.ExternalKey),
		strings.TrimSpace(item.Platform),
		strings.TrimSpace(item.AccountID),
		item.Priority,
		nullableTime(item.ScheduledTime),
		string(status),
		nullableString(item.PayloadJSON),
		now,
		now,
	)
	inserted, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateKey
	}
	return inserted, err
}

// Enqueue inserts one item. It fails with ErrDuplicateKey, writing nothing,
// when the (external key, platform, account) triple already exists.
func (s *Store) Enqueue(ctx context.Context, item NewItem) (*Item, error) {
	if err := validateNewItem(item); err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	var inserted *Item
	err := retryOnBusy(ctx, func() error {
		var insertErr error
		inserted, insertErr = insertItem(ctx, s.db, item, formatTime(s.clock()))
		return insertErr
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	return inserted, nil
}

// EnqueueBatch inserts items in one transaction. Items whose key already
// exists (in the database or earlier in the batch) are reported in
// Duplicates and do not abort the batch.
func (s *Store) EnqueueBatch(ctx context.Context, items []NewItem) (BatchResult, error) {
	for i, item := range items {
		if err := validateNewItem(item); err != nil {
			return BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
	}
	ctx = ensureContext(ctx)

	var result BatchResult
	err := retryOnBusy(ctx, func() error {
		result = BatchResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := formatTime(s.clock())
		for _, item := range items {
			inserted, err := insertItem(ctx, tx, item, now)
			if errors.Is(err, ErrDuplicateKey) {
				result.Duplicates = append(result.Duplicates, item)
				continue
			}
			if err != nil {
				return err
			}
			result.Inserted = append(result.Inserted, inserted)
		}
		return tx.Commit()
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("enqueue batch: %w", err)
	}
	return result, nil
}

// GetByID fetches an item by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM queue_items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// List returns items matching the filter ordered by id.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Item, error) {
	where, args := filter.where()
	query := "SELECT " + itemColumns + " FROM queue_items" + where + " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	items, err := s.queryItemsWithRetry(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// Stats returns item counts keyed by status for items matching the filter.
// Every status is present in the result, zero when no item has it.
func (s *Store) Stats(ctx context.Context, filter Filter) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_items"+where+" GROUP BY status", args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int, len(allStatuses))
	for _, status := range allStatuses {
		stats[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// AccountStats returns per-account status counts ordered by account.
func (s *Store) AccountStats(ctx context.Context) ([]AccountCount, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT account_id, status, COUNT(*) FROM queue_items GROUP BY account_id, status ORDER BY account_id, status")
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}
	defer rows.Close()

	var counts []AccountCount
	for rows.Next() {
		var (
			entry  AccountCount
			status string
		)
		if err := rows.Scan(&entry.AccountID, &status, &entry.Count); err != nil {
			return nil, fmt.Errorf("scan account stats: %w", err)
		}
		entry.Status = Status(status)
		counts = append(counts, entry)
	}
	return counts, rows.Err()
}

// Due lists claimable items without claiming them, in claim order. An empty
// accountID lists due items for every account.
func (s *Store) Due(ctx context.Context, accountID string) ([]*Item, error) {
	query := "SELECT " + itemColumns + ` FROM queue_items
		WHERE status IN ('pending', 'scheduled')
		  AND scheduled_time IS NOT NULL
		  AND scheduled_time <= ?`
	args := []any{formatTime(s.clock())}
	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY priority, scheduled_time, id"
	items, err := s.queryItemsWithRetry(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	return items, nil
}

// OpenCounts returns, per account, the number of items not yet terminal.
func (s *Store) OpenCounts(ctx context.Context) (map[string]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT account_id, COUNT(*) FROM queue_items WHERE status IN ('pending', 'scheduled', 'uploading') GROUP BY account_id")
	if err != nil {
		return nil, fmt.Errorf("open counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			account string
			count   int
		)
		if err := rows.Scan(&account, &count); err != nil {
			return nil, fmt.Errorf("scan open counts: %w", err)
		}
		counts[account] = count
	}
	return counts, rows.Err()
}

// ScheduledCount counts an account's items whose scheduled time falls in
// [from, to), whatever their status.
func (s *Store) ScheduledCount(ctx context.Context, accountID string, from, to time.Time) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items
		 WHERE account_id = ? AND scheduled_time IS NOT NULL
		   AND scheduled_time >= ? AND scheduled_time < ?`,
		accountID, formatTime(from), formatTime(to),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("scheduled count: %w", err)
	}
	return count, nil
}

// PendingUnscheduled returns pending items that have no scheduled time yet,
// in insertion order. A limit of zero returns all of them.
func (s *Store) PendingUnscheduled(ctx context.Context, limit int) ([]*Item, error) {
	query := "SELECT " + itemColumns + " FROM queue_items WHERE status = 'pending' AND scheduled_time IS NULL ORDER BY id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	items, err := s.queryItemsWithRetry(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled items: %w", err)
	}
	return items, nil
}

// AssignSchedule sets the scheduled time of a pending, unscheduled item and
// moves it to scheduled. It reports false when the item was already
// scheduled or is no longer pending, leaving it untouched.
func (s *Store) AssignSchedule(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_items
		 SET status = 'scheduled', scheduled_time = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND scheduled_time IS NULL`,
		formatTime(at), formatTime(s.clock()), id,
	)
	if err != nil {
		return false, fmt.Errorf("assign schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign schedule rows affected: %w", err)
	}
	return affected == 1, nil
}

// AccountsForKeys returns, for each external key already queued on platform,
// the accounts it is queued under.
func (s *Store) AccountsForKeys(ctx context.Context, platform string, keys []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(keys) == 0 {
		return result, nil
	}
	ctx = ensureContext(ctx)
	const chunk = 500
	for startIdx := 0; startIdx < len(keys); startIdx += chunk {
		end := min(startIdx+chunk, len(keys))
		args := []any{platform}
		for _, key := range keys[startIdx:end] {
			args = append(args, key)
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT external_key, account_id FROM queue_items WHERE platform = ? AND external_key IN ("+placeholders(end-startIdx)+") ORDER BY id",
			args...)
		if err != nil {
			return nil, fmt.Errorf("lookup existing keys: %w", err)
		}
		for rows.Next() {
			var key, account string
			if err := rows.Scan(&key, &account); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing keys: %w", err)
			}
			result[key] = append(result[key], account)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}
