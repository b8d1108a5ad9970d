package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const claimDueSQL = `UPDATE queue_items
SET status = 'uploading', claim_token = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM queue_items
	WHERE account_id = ?
	  AND status IN ('pending', 'scheduled')
	  AND scheduled_time IS NOT NULL
	  AND scheduled_time <= ?
	ORDER BY priority, scheduled_time, id
	LIMIT ?
)
RETURNING ` + itemColumns

// ClaimDue atomically moves up to batchSize due items of one account to
// uploading and returns them in (priority, scheduled time) order. Each claimed
// item carries the claim token that later transitions must present.
//
// The selection and the status change happen in one statement, so concurrent
// callers for the same account always receive disjoint sets.
func (s *Store) ClaimDue(ctx context.Context, accountID string, batchSize int) ([]*Item, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	if batchSize <= 0 {
		return nil, nil
	}
	now := formatTime(s.clock())
	token := uuid.NewString()
	items, err := s.queryItemsWithRetry(ctx, claimDueSQL, token, now, accountID, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	sortByClaimOrder(items)
	return items, nil
}

// Touch refreshes updated_at on a claimed item so the reconciler does not
// treat it as abandoned.
func (s *Store) Touch(ctx context.Context, id int64, token string) error {
	return s.transitionClaimed(ctx, "touch", id, token,
		"updated_at = ?", formatTime(s.clock()))
}

// Complete writes a terminal outcome for a claimed item. Success clears the
// last error; failure records it and, when ConsumeRetry is set, counts the
// attempt.
func (s *Store) Complete(ctx context.Context, id int64, token string, outcome Outcome) error {
	now := formatTime(s.clock())
	switch outcome.Status {
	case StatusSuccess:
		return s.transitionClaimed(ctx, "complete", id, token,
			"status = 'success', listing_id = ?, last_error = NULL, claim_token = NULL, updated_at = ?",
			nullableString(outcome.ListingID), now)
	case StatusFailed:
		increment := 0
		if outcome.ConsumeRetry {
			increment = 1
		}
		return s.transitionClaimed(ctx, "complete", id, token,
			"status = 'failed', last_error = ?, retry_count = retry_count + ?, claim_token = NULL, updated_at = ?",
			nullableString(outcome.Error), increment, now)
	default:
		return fmt.Errorf("complete: status %q is not terminal", outcome.Status)
	}
}

// Reschedule returns a claimed item to scheduled after a retryable failure,
// counting the attempt and recording the error.
func (s *Store) Reschedule(ctx context.Context, id int64, token string, at time.Time, lastError string) error {
	return s.transitionClaimed(ctx, "reschedule", id, token,
		"status = 'scheduled', scheduled_time = ?, retry_count = retry_count + 1, last_error = ?, claim_token = NULL, updated_at = ?",
		formatTime(at), nullableString(lastError), formatTime(s.clock()))
}

// Release returns a claimed item that was never attempted to scheduled
// without consuming a retry.
func (s *Store) Release(ctx context.Context, id int64, token string) error {
	return s.transitionClaimed(ctx, "release", id, token,
		"status = 'scheduled', claim_token = NULL, updated_at = ?",
		formatTime(s.clock()))
}

func (s *Store) transitionClaimed(ctx context.Context, op string, id int64, token, set string, args ...any) error {
	if token == "" {
		return fmt.Errorf("%s: %w", op, ErrClaimConflict)
	}
	query := "UPDATE queue_items SET " + set + " WHERE id = ? AND status = 'uploading' AND claim_token = ?"
	args = append(args, id, token)
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s queue item %d: %w", op, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return fmt.Errorf("%s queue item %d: %w", op, id, err)
	}
	return fmt.Errorf("%s queue item %d: %w", op, id, ErrClaimConflict)
}
