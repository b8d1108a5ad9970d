// Package reconciler recovers uploads abandoned in the uploading state.
//
// A sweep lists items whose last heartbeat is older than the stuck
// threshold and, for each, counts the abandoned attempt. Items below the
// retry limit are rescheduled after backoff at the next in-window instant
// on a day below the daily limit; items at the limit are failed and reported. The sweep is independent of
// any worker and relies only on the store's conditional updates, so a
// worker that finishes late simply loses its claim.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storesync/internal/backoff"
	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/notifications"
	"storesync/internal/queue"
	"storesync/internal/schedule"
	"storesync/internal/services"
)

const stuckReason = "upload abandoned: no progress within stuck threshold"

// Store is the queue surface the reconciler needs.
type Store interface {
	ListStuck(ctx context.Context, threshold time.Duration) ([]*queue.Item, error)
	RecoverStuck(ctx context.Context, item *queue.Item, threshold time.Duration, maxRetries int, retryAt time.Time, reason string) (queue.RecoveryResult, error)
	ScheduledCount(ctx context.Context, accountID string, from, to time.Time) (int, error)
}

// Summary reports one sweep.
type Summary struct {
	Found       int       `json:"found"`
	Rescheduled int       `json:"rescheduled"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	At          time.Time `json:"at"`
}

// Reconciler periodically sweeps the queue for stuck items.
type Reconciler struct {
	store      Store
	slots      *schedule.Slotter
	backoff    backoff.Strategy
	notifier   notifications.Service
	metrics    *metrics.Collectors
	logger     *slog.Logger
	now        func() time.Time
	interval   time.Duration
	threshold  time.Duration
	maxRetries int

	mu   sync.Mutex
	last Summary
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notifications.Service) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithClock overrides the clock used to compute retry times.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a reconciler from the configuration snapshot.
func New(cfg *config.Config, store Store, opts ...Option) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	slots, err := schedule.SlotterFromConfig(cfg, store)
	if err != nil {
		return nil, err
	}
	retryDelay := backoff.NewExponential(
		time.Duration(cfg.Worker.BackoffInitial)*time.Second,
		time.Duration(cfg.Worker.BackoffMax)*time.Second,
	)
	r := &Reconciler{
		store:      store,
		slots:      slots,
		backoff:    retryDelay,
		notifier:   notifications.NoopService{},
		logger:     logging.NewNop(),
		now:        time.Now,
		interval:   cfg.Reconciler.IntervalDuration(),
		threshold:  cfg.Reconciler.StuckThresholdDuration(),
		maxRetries: cfg.Worker.MaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "reconciler")
	return r, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.ErrorWithContext(r.logger, "stuck sweep failed", "reconcile_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep recovers every item stuck longer than the threshold.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	summary := Summary{At: r.now()}
	stuck, err := r.store.ListStuck(ctx, r.threshold)
	if err != nil {
		return summary, err
	}
	summary.Found = len(stuck)

	for _, item := range stuck {
		itemCtx := services.WithItemID(services.WithAccount(ctx, item.AccountID), item.ID)
		logger := logging.WithContext(itemCtx, r.logger).With(logging.String("external_key", item.ExternalKey))

		retryAt, err := r.slots.Next(itemCtx, item.AccountID, r.now().Add(r.backoff.Delay(item.RetryCount+1)), item.ScheduledTime)
		if err != nil {
			return summary, err
		}
		result, err := r.store.RecoverStuck(itemCtx, item, r.threshold, r.maxRetries, retryAt, stuckReason)
		if err != nil {
			return summary, err
		}
		r.metrics.Reconciled(string(result.Action))

		switch result.Action {
		case queue.RecoveryRescheduled:
			summary.Rescheduled++
			logging.WarnWithContext(logger, "stuck item rescheduled", "stuck_rescheduled",
				logging.Int("retry_count", result.RetryCount),
				logging.Time("retry_at", retryAt),
				logging.Time("last_update", item.UpdatedAt),
				logging.String(logging.FieldErrorHint, "worker stopped responding mid-upload"),
				logging.String(logging.FieldImpact, "item will be retried; a duplicate listing is possible if the lost call succeeded"),
			)
		case queue.RecoveryFailed:
			summary.Failed++
			logging.ErrorWithContext(logger, "stuck item failed after retries", "stuck_failed",
				logging.Int("retry_count", result.RetryCount),
				logging.String(logging.FieldErrorHint, "verify the listing on the platform before re-admitting"),
				logging.Alert("stuck_failed"),
			)
			if err := r.notifier.Publish(itemCtx, notifications.EventStuckFailed, notifications.Payload{
				"item_id":      item.ID,
				"external_key": item.ExternalKey,
				"account":      item.AccountID,
				"attempts":     result.RetryCount,
			}); err != nil {
				logging.WarnWithContext(logger, "notification failed", "notification_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "operator was not alerted"),
				)
			}
		default:
			summary.Skipped++
			logger.Debug("stuck item changed before recovery; skipped")
		}
	}

	r.mu.Lock()
	r.last = summary
	r.mu.Unlock()

	if summary.Found > 0 {
		r.logger.Info("stuck sweep complete",
			logging.Int("found", summary.Found),
			logging.Int("rescheduled", summary.Rescheduled),
			logging.Int("failed", summary.Failed),
			logging.Int("skipped", summary.Skipped),
			logging.String(logging.FieldEventType, "reconcile_complete"),
		)
	}
	return summary, nil
}

// Last returns the most recent sweep summary.
func (r *Reconciler) Last() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
