package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storesync/internal/backoff"
	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/notifications"
	"storesync/internal/platform"
	"storesync/internal/queue"
	"storesync/internal/schedule"
)

// Store is the queue surface a worker needs.
type Store interface {
	ClaimDue(ctx context.Context, accountID string, batchSize int) ([]*queue.Item, error)
	Touch(ctx context.Context, id int64, token string) error
	Complete(ctx context.Context, id int64, token string, outcome queue.Outcome) error
	Reschedule(ctx context.Context, id int64, token string, at time.Time, lastError string) error
	Release(ctx context.Context, id int64, token string) error
	ScheduledCount(ctx context.Context, accountID string, from, to time.Time) (int, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Worker processes uploads for a single account.
type Worker struct {
	account  config.Account
	store    Store
	client   platform.Client
	window   schedule.Window
	slots    *schedule.Slotter
	backoff  backoff.Strategy
	pollErr  backoff.Strategy
	limiter  *rate.Limiter
	notifier notifications.Service
	metrics  *metrics.Collectors
	logger   *slog.Logger
	now      func() time.Time
	sleep    Sleeper

	pollInterval   time.Duration
	requestTimeout time.Duration
	batchSize      int
	maxRetries     int

	mu    sync.Mutex
	state Status
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notifications.Service) Option {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSleeper overrides how the worker waits between polls and for the
// business-hours window.
func WithSleeper(sleep Sleeper) Option {
	return func(w *Worker) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithLimiter replaces the limiter that spaces platform calls.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(w *Worker) {
		if limiter != nil {
			w.limiter = limiter
		}
	}
}

// New builds a worker for account from the configuration snapshot.
func New(cfg *config.Config, account config.Account, store Store, client platform.Client, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, errors.New("worker: store is required")
	}
	if client == nil {
		return nil, errors.New("worker: platform client is required")
	}
	window, err := schedule.WindowFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if spacing := cfg.Worker.RateLimitDuration(); spacing > 0 {
		limit = rate.Every(spacing)
	}

	retryDelay := backoff.NewExponential(
		time.Duration(cfg.Worker.BackoffInitial)*time.Second,
		time.Duration(cfg.Worker.BackoffMax)*time.Second,
	)

	w := &Worker{
		account:        account,
		store:          store,
		client:         client,
		window:         window,
		slots:          schedule.NewSlotter(store, window, cfg.Schedule.DailyLimit),
		backoff:        retryDelay,
		pollErr:        backoff.Constant{Interval: cfg.Worker.ErrorRetryDuration()},
		limiter:        rate.NewLimiter(limit, 1),
		notifier:       notifications.NoopService{},
		logger:         logging.NewNop(),
		now:            time.Now,
		sleep:          sleepContext,
		pollInterval:   cfg.Worker.PollDuration(),
		requestTimeout: cfg.Worker.RequestTimeoutDuration(),
		batchSize:      cfg.Worker.BatchSize,
		maxRetries:     cfg.Worker.MaxRetries,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "worker").With(logging.String(logging.FieldAccount, account.ID))
	w.state = Status{Account: account.ID, State: StateIdle}
	return w, nil
}

// Account returns the account id the worker serves.
func (w *Worker) Account() string {
	return w.account.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
