package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// ListStuck returns uploading items whose updated_at is older than threshold,
// oldest first.
func (s *Store) ListStuck(ctx context.Context, threshold time.Duration) ([]*Item, error) {
	cutoff := s.clock().Add(-threshold)
	items, err := s.queryItemsWithRetry(ctx,
		"SELECT "+itemColumns+" FROM queue_items WHERE status = 'uploading' AND updated_at < ? ORDER BY updated_at, id",
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck items: %w", err)
	}
	return items, nil
}

const recoverStuckSQL = `UPDATE queue_items
SET status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'scheduled' END,
    scheduled_time = CASE WHEN retry_count + 1 >= ? THEN scheduled_time ELSE ? END,
    retry_count = retry_count + 1,
    last_error = ?,
    claim_token = NULL,
    updated_at = ?
WHERE id = ? AND status = 'uploading' AND updated_at < ? AND retry_count = ?
RETURNING status, retry_count`

// RecoverStuck counts an abandoned attempt against a stuck item and either
// reschedules it at retryAt or, when the new count reaches maxRetries, fails
// it. The update only applies while the item is still uploading, still older
// than threshold, and still at the retry count seen by ListStuck; otherwise
// the result is RecoverySkipped.
func (s *Store) RecoverStuck(ctx context.Context, item *Item, threshold time.Duration, maxRetries int, retryAt time.Time, reason string) (RecoveryResult, error) {
	if item == nil {
		return RecoveryResult{}, errors.New("recover stuck: nil item")
	}
	ctx = ensureContext(ctx)
	now := s.clock()
	cutoff := formatTime(now.Add(-threshold))

	var result RecoveryResult
	err := retryOnBusy(ctx, func() error {
		var status string
		err := s.db.QueryRowContext(ctx, recoverStuckSQL,
			maxRetries, maxRetries, formatTime(retryAt),
			nullableString(reason), formatTime(now),
			item.ID, cutoff, item.RetryCount,
		).Scan(&status, &result.RetryCount)
		if errors.Is(err, sql.ErrNoRows) {
			result = RecoveryResult{Action: RecoverySkipped, RetryCount: item.RetryCount}
			return nil
		}
		if err != nil {
			return err
		}
		if Status(status) == StatusFailed {
			result.Action = RecoveryFailed
		} else {
			result.Action = RecoveryRescheduled
		}
		return nil
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("recover stuck item %d: %w", item.ID, err)
	}
	return result, nil
}

// RetryFailed re-admits failed items: status becomes scheduled at the given
// time and the retry count resets. With no ids, every failed item is re-admitted.
func (s *Store) RetryFailed(ctx context.Context, at time.Time, ids ...int64) (int64, error) {
	query := `UPDATE queue_items
		SET status = 'scheduled', scheduled_time = ?, retry_count = 0, claim_token = NULL, updated_at = ?
		WHERE status = 'failed'`
	args := []any{formatTime(at), formatTime(s.clock())}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// ClearSuccessful deletes items that reached success. This is the external
// maintenance path; the engine itself never deletes items.
func (s *Store) ClearSuccessful(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, "DELETE FROM queue_items WHERE status = 'success'")
	if err != nil {
		return 0, fmt.Errorf("clear successful items: %w", err)
	}
	return res.RowsAffected()
}

var expectedColumns = []string{
	"id",
	"external_key",
	"platform",
	"account_id",
	"priority",
	"scheduled_time",
	"status",
	"retry_count",
	"last_error",
	"payload_json",
	"listing_id",
	"claim_token",
	"created_at",
	"updated_at",
}

// CheckHealth inspects the database file, schema, and integrity.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	rows, err := s.db.QueryContext(connCtx, "PRAGMA table_info(queue_items)")
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("table info: %w", err)
	}
	present := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			health.Error = err.Error()
			return health, fmt.Errorf("scan table info: %w", err)
		}
		present[name] = struct{}{}
		health.ColumnsPresent = append(health.ColumnsPresent, name)
	}
	rows.Close()
	health.TableExists = len(present) > 0
	for _, column := range expectedColumns {
		if _, ok := present[column]; !ok {
			health.MissingColumns = append(health.MissingColumns, column)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = integrity == "ok"

	if health.TableExists {
		if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM queue_items").Scan(&health.TotalItems); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count queue items: %w", err)
		}
	}
	return health, nil
}
