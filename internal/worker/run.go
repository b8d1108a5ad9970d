package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/notifications"
	"storesync/internal/queue"
	"storesync/internal/services"
)

// Run polls and uploads until ctx is cancelled. Cancellation never aborts a
// platform call that is already in flight; the current item is finished and
// the rest of the batch is released before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	ctx = services.WithAccount(ctx, w.account.ID)
	session := uuid.NewString()
	logger := w.logger.With(logging.String("session", session))
	logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String("window", w.window.String()),
		logging.Duration("poll_interval", w.pollInterval),
	)
	defer func() {
		w.setState(StateStopped)
		logger.Info("worker stopped", logging.String(logging.FieldEventType, "worker_stopped"))
	}()

	pollFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		now := w.now()
		if !w.window.Contains(now) {
			wait := w.window.Until(now)
			w.setState(StateWaiting)
			logger.Debug("outside business hours; waiting",
				logging.Duration("wait", wait),
				logging.Time("opens_at", now.Add(wait)),
			)
			if err := w.sleep(ctx, wait); err != nil {
				return nil
			}
			continue
		}

		processed, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			pollFailures++
			w.setState(StateBackoff)
			w.update(func(s *Status) { s.LastError = err.Error() })
			logging.ErrorWithContext(logger, "queue poll failed", "queue_poll_failed",
				logging.Int("consecutive_failures", pollFailures),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			if w.sleep(ctx, w.pollErr.Delay(pollFailures)) != nil {
				return nil
			}
		case processed == 0:
			pollFailures = 0
			w.setState(StateIdle)
			if w.sleep(ctx, w.pollInterval) != nil {
				return nil
			}
		default:
			pollFailures = 0
		}
	}
}

// RunOnce claims one batch of due items and processes it. It returns the
// number of items claimed. Items not attempted because ctx was cancelled or
// the window closed mid-batch are released back to scheduled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ctx = services.WithAccount(ctx, w.account.ID)
	w.update(func(s *Status) {
		s.State = StatePolling
		s.LastPoll = w.now()
	})

	items, err := w.store.ClaimDue(ctx, w.account.ID, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	w.metrics.Claimed(w.account.ID, len(items))
	w.logger.Debug("claimed batch",
		logging.Int("count", len(items)),
		logging.String(logging.FieldEventType, "batch_claimed"),
	)

	for i, item := range items {
		if ctx.Err() != nil || !w.window.Contains(w.now()) {
			w.release(ctx, items[i:])
			return len(items), nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			w.release(ctx, items[i:])
			return len(items), nil
		}
		w.process(ctx, item)
	}
	return len(items), nil
}

func (w *Worker) release(ctx context.Context, items []*queue.Item) {
	writeCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		if err := w.store.Release(writeCtx, item.ID, item.ClaimToken); err != nil {
			logging.WarnWithContext(w.logger, "release claimed item failed", "release_failed",
				logging.Int64(logging.FieldItemID, item.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "item stays uploading until the reconciler recovers it"),
			)
			continue
		}
		w.metrics.Upload(w.account.ID, metrics.OutcomeReleased, 0)
	}
	if len(items) > 0 {
		w.logger.Info("released unstarted items",
			logging.Int("count", len(items)),
			logging.String(logging.FieldEventType, "batch_released"),
		)
	}
}

// process uploads one claimed item and records the outcome. The platform
// call and the state writes run on a context detached from cancellation.
func (w *Worker) process(ctx context.Context, item *queue.Item) {
	itemCtx := services.WithRequestID(services.WithItemID(ctx, item.ID), item.ClaimToken)
	logger := logging.WithContext(itemCtx, w.logger).With(
		logging.String("external_key", item.ExternalKey),
		logging.String(logging.FieldPlatform, item.Platform),
	)
	writeCtx := context.WithoutCancel(itemCtx)

	if err := w.store.Touch(writeCtx, item.ID, item.ClaimToken); err != nil {
		w.conflict(logger, "touch", err)
		return
	}

	w.setState(StateUploading)
	callCtx, cancel := context.WithTimeout(writeCtx, w.requestTimeout)
	started := time.Now()
	listingID, callErr := w.client.CreateListing(callCtx, item.AccountID, item.PayloadJSON)
	elapsed := time.Since(started)
	cancel()

	if callErr == nil {
		w.succeed(writeCtx, logger, item, listingID, elapsed)
		return
	}
	if services.IsRetryable(callErr) {
		w.retry(writeCtx, logger, item, callErr, elapsed)
		return
	}
	w.reject(writeCtx, logger, item, callErr, elapsed)
}

func (w *Worker) succeed(ctx context.Context, logger *slog.Logger, item *queue.Item, listingID string, elapsed time.Duration) {
	err := w.store.Complete(ctx, item.ID, item.ClaimToken, queue.Outcome{Status: queue.StatusSuccess, ListingID: listingID})
	if err != nil {
		w.conflict(logger, "complete", err)
		return
	}
	w.metrics.Upload(w.account.ID, metrics.OutcomeSuccess, elapsed)
	w.update(func(s *Status) {
		s.Uploaded++
		s.LastUpload = w.now()
	})
	logger.Info("listing created",
		logging.String("listing_id", listingID),
		logging.Duration("elapsed", elapsed),
		logging.String(logging.FieldEventType, "upload_succeeded"),
	)
}

func (w *Worker) retry(ctx context.Context, logger *slog.Logger, item *queue.Item, callErr error, elapsed time.Duration) {
	attempts := item.RetryCount + 1
	if attempts >= w.maxRetries {
		err := w.store.Complete(ctx, item.ID, item.ClaimToken, queue.Outcome{
			Status:       queue.StatusFailed,
			Error:        callErr.Error(),
			ConsumeRetry: true,
		})
		if err != nil {
			w.conflict(logger, "fail", err)
			return
		}
		w.metrics.Upload(w.account.ID, metrics.OutcomeFailed, elapsed)
		w.update(func(s *Status) {
			s.Failed++
			s.LastError = callErr.Error()
		})
		logging.ErrorWithContext(logger, "upload failed after retries", "upload_retries_exhausted",
			logging.Int("attempts", attempts),
			logging.Error(callErr),
			logging.String(logging.FieldErrorHint, "inspect last_error and re-admit with queue retry"),
			logging.Alert("upload_failed"),
		)
		w.notify(ctx, notifications.EventRetriesExhausted, item, callErr, attempts)
		return
	}

	delay := w.backoff.Delay(attempts)
	if after, ok := services.RetryAfter(callErr); ok && after > delay {
		delay = after
	}
	at, err := w.slots.Next(ctx, item.AccountID, w.now().Add(delay), item.ScheduledTime)
	if err != nil {
		w.conflict(logger, "slot lookup", err)
		return
	}
	if err := w.store.Reschedule(ctx, item.ID, item.ClaimToken, at, callErr.Error()); err != nil {
		w.conflict(logger, "reschedule", err)
		return
	}
	w.metrics.Upload(w.account.ID, metrics.OutcomeRetry, elapsed)
	w.update(func(s *Status) {
		s.Retried++
		s.LastError = callErr.Error()
	})
	logging.WarnWithContext(logger, "upload failed; rescheduled", "upload_rescheduled",
		logging.Int("attempt", attempts),
		logging.Time("retry_at", at),
		logging.String("error_class", services.Classify(callErr)),
		logging.Error(callErr),
		logging.String(logging.FieldErrorHint, "platform reported a transient failure"),
		logging.String(logging.FieldImpact, "item will be retried automatically"),
	)
}

func (w *Worker) reject(ctx context.Context, logger *slog.Logger, item *queue.Item, callErr error, elapsed time.Duration) {
	err := w.store.Complete(ctx, item.ID, item.ClaimToken, queue.Outcome{Status: queue.StatusFailed, Error: callErr.Error()})
	if err != nil {
		w.conflict(logger, "fail", err)
		return
	}
	w.metrics.Upload(w.account.ID, metrics.OutcomeRejected, elapsed)
	w.update(func(s *Status) {
		s.Failed++
		s.LastError = callErr.Error()
	})
	logging.ErrorWithContext(logger, "upload rejected", "upload_rejected",
		logging.Error(callErr),
		logging.String(logging.FieldErrorHint, "fix the catalog entry and re-admit with queue retry"),
		logging.Alert("upload_rejected"),
	)
	w.notify(ctx, notifications.EventPermanentFailure, item, callErr, item.RetryCount)
}

func (w *Worker) conflict(logger *slog.Logger, op string, err error) {
	if errors.Is(err, queue.ErrClaimConflict) || errors.Is(err, queue.ErrNotFound) {
		w.metrics.Upload(w.account.ID, metrics.OutcomeConflict, 0)
		logging.WarnWithContext(logger, "item no longer held by this worker", "claim_conflict",
			logging.String("op", op),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the reconciler recovered the item while it was claimed"),
			logging.String(logging.FieldImpact, "outcome of this attempt was discarded"),
		)
		return
	}
	logging.ErrorWithContext(logger, fmt.Sprintf("queue %s failed", op), "queue_write_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
}

func (w *Worker) notify(ctx context.Context, event notifications.Event, item *queue.Item, cause error, attempts int) {
	err := w.notifier.Publish(ctx, event, notifications.Payload{
		"item_id":      item.ID,
		"external_key": item.ExternalKey,
		"account":      item.AccountID,
		"attempts":     attempts,
		"error":        cause.Error(),
	})
	if err != nil {
		logging.WarnWithContext(w.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "operator was not alerted"),
		)
	}
}
