package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"storesync/internal/backoff"
	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/notifications"
	"storesync/internal/platform"
	"storesync/internal/queue"
	"storesync/internal/reconciler"
	"storesync/internal/worker"
)

// ErrAlreadyRunning is returned when another supervisor holds the lock.
var ErrAlreadyRunning = errors.New("another storesync supervisor is already running")

// ErrNoActiveAccounts is returned by Start when every account is disabled.
var ErrNoActiveAccounts = errors.New("no active accounts configured")

// Runner is a worker loop as seen by the supervisor.
type Runner interface {
	Run(ctx context.Context) error
	Status() worker.Status
}

// Factory builds the runner for one account. It is called again on every
// restart so a crashed worker never reuses state.
type Factory func(account config.Account) (Runner, error)

// Supervisor owns the per-account workers and the reconciler.
type Supervisor struct {
	cfg        *config.Config
	store      *queue.Store
	notifier   notifications.Service
	metrics    *metrics.Collectors
	logger     *slog.Logger
	baseLogger *slog.Logger
	factory    Factory
	reconciler *reconciler.Reconciler
	restart    backoff.Strategy
	sleep      worker.Sleeper
	now        func() time.Time
	lock       *flock.Flock
	startedAt  time.Time

	restartMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ctx     context.Context
	slots   map[string]*slot
	order   []string
	wg      sync.WaitGroup
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithFactory overrides how workers are built.
func WithFactory(f Factory) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notifications.Service) Option {
	return func(s *Supervisor) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRestartSleeper overrides how restart backoff is waited out.
func WithRestartSleeper(sleep worker.Sleeper) Option {
	return func(s *Supervisor) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithClock overrides the time source used for the restart window.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReconciler replaces the reconciler built from configuration.
func WithReconciler(r *reconciler.Reconciler) Option {
	return func(s *Supervisor) {
		s.reconciler = r
	}
}

// New builds a supervisor. Workers use HTTP platform clients from the
// registry unless WithFactory is given.
func New(cfg *config.Config, store *queue.Store, registry *platform.Registry, opts ...Option) (*Supervisor, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("supervisor requires config and store")
	}
	restartDelay := backoff.NewExponential(
		time.Duration(cfg.Supervisor.RestartBackoffInitial)*time.Second,
		time.Duration(cfg.Supervisor.RestartBackoffMax)*time.Second,
	)
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		notifier: notifications.NoopService{},
		logger:   logging.NewNop(),
		restart:  restartDelay,
		sleep:    sleepContext,
		now:      time.Now,
		lock:     flock.New(cfg.LockPath()),
		slots:    make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseLogger = s.logger
	s.logger = logging.NewComponentLogger(s.logger, "supervisor")

	if s.factory == nil {
		if registry == nil {
			return nil, errors.New("supervisor requires a platform registry or worker factory")
		}
		s.factory = s.defaultFactory(registry)
	}
	if s.reconciler == nil {
		rec, err := reconciler.New(cfg, store,
			reconciler.WithLogger(s.baseLogger),
			reconciler.WithNotifier(s.notifier),
			reconciler.WithMetrics(s.metrics),
		)
		if err != nil {
			return nil, err
		}
		s.reconciler = rec
	}
	return s, nil
}

func (s *Supervisor) defaultFactory(registry *platform.Registry) Factory {
	return func(account config.Account) (Runner, error) {
		client, err := registry.For(account.Platform)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(s.cfg, account, s.store, client,
			worker.WithLogger(s.baseLogger),
			worker.WithNotifier(s.notifier),
			worker.WithMetrics(s.metrics),
		)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Start acquires the singleton lock and launches a worker for every active
// account plus the reconciler.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor already running")
	}

	accounts := s.cfg.ActiveAccounts()
	if len(accounts) == 0 {
		return ErrNoActiveAccounts
	}

	if err := os.MkdirAll(s.cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = s.now()
	s.slots = make(map[string]*slot, len(accounts))
	s.order = s.order[:0]
	for _, acct := range accounts {
		sl := newSlot(acct)
		s.slots[acct.ID] = sl
		s.order = append(s.order, acct.ID)
		s.launch(sl)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.reconciler.Run(s.ctx)
	}()

	s.logger.Info("supervisor started",
		logging.Int("accounts", len(accounts)),
		logging.String("lock", s.cfg.LockPath()),
		logging.String(logging.FieldEventType, "supervisor_started"),
	)
	return nil
}

// Stop cancels every worker and waits up to the stop timeout for in-flight
// uploads to finish before releasing the lock.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timeout := s.cfg.Supervisor.StopTimeoutDuration()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.WarnWithContext(s.logger, "workers did not stop in time", "supervisor_stop_timeout",
			logging.Duration("timeout", timeout),
			logging.String(logging.FieldImpact, "in-flight items stay uploading until the reconciler recovers them"),
		)
	}

	if err := s.lock.Unlock(); err != nil {
		logging.WarnWithContext(s.logger, "failed to release supervisor lock", "supervisor_unlock_failed",
			logging.Error(err),
		)
	}
	s.logger.Info("supervisor stopped", logging.String(logging.FieldEventType, "supervisor_stopped"))
}

// Running reports whether Start has succeeded and Stop has not been called.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Restart replaces the worker for one account with a fresh one and clears
// its restart history. Abandoned workers are revived. The old worker is
// drained without holding the supervisor lock, so status queries keep
// answering while an in-flight upload finishes.
func (s *Supervisor) Restart(accountID string) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("supervisor not running")
	}
	old, ok := s.slots[accountID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("account %q has no worker", accountID)
	}
	sl := newSlot(old.account)
	s.slots[accountID] = sl
	s.mu.Unlock()

	if !old.stop(s.cfg.Supervisor.StopTimeoutDuration()) {
		return fmt.Errorf("worker for %q did not stop in time", accountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("supervisor stopped during restart")
	}
	s.launch(sl)
	s.logger.Info("worker restart requested",
		logging.String(logging.FieldAccount, accountID),
		logging.String(logging.FieldEventType, "worker_restart_requested"),
	)
	return nil
}

// RestartAll restarts every account worker.
func (s *Supervisor) RestartAll() error {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := s.Restart(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconciler exposes the supervisor's reconciler.
func (s *Supervisor) Reconciler() *reconciler.Reconciler {
	return s.reconciler
}

// Store exposes the queue store the supervisor runs against.
func (s *Supervisor) Store() *queue.Store {
	return s.store
}

// Notifier exposes the notification sink.
func (s *Supervisor) Notifier() notifications.Service {
	return s.notifier
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

// Accounts returns the ids of the supervised accounts in start order.
func (s *Supervisor) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
