package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/notifications"
	"storesync/internal/worker"
)

// slot tracks one account's worker across restarts.
type slot struct {
	account config.Account
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	runner    Runner
	crashes   []time.Time
	restarts  int
	abandoned bool
	lastCrash string
	startedAt time.Time
}

func newSlot(account config.Account) *slot {
	return &slot{account: account, done: make(chan struct{})}
}

// recordCrash prunes crash history to the window and reports how many
// crashes remain in it.
func (sl *slot) recordCrash(now time.Time, window time.Duration, err error) int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cutoff := now.Add(-window)
	kept := sl.crashes[:0]
	for _, at := range sl.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	sl.crashes = append(kept, now)
	sl.lastCrash = err.Error()
	return len(sl.crashes)
}

func (sl *slot) setRunner(r Runner, at time.Time) {
	sl.mu.Lock()
	sl.runner = r
	sl.startedAt = at
	sl.mu.Unlock()
}

func (sl *slot) markRestarted() {
	sl.mu.Lock()
	sl.restarts++
	sl.mu.Unlock()
}

func (sl *slot) markAbandoned() {
	sl.mu.Lock()
	sl.abandoned = true
	sl.runner = nil
	sl.mu.Unlock()
}

// stop cancels the worker and waits for it to return, bounded by timeout.
// A slot that was never launched has nothing to wait for.
func (sl *slot) stop(timeout time.Duration) bool {
	if sl.cancel == nil {
		return true
	}
	sl.cancel()
	select {
	case <-sl.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Supervisor) launch(sl *slot) {
	ctx, cancel := context.WithCancel(s.ctx)
	sl.cancel = cancel
	s.wg.Add(1)
	go s.supervise(ctx, sl)
}

// supervise runs the account's worker until ctx ends, restarting it after
// unexpected exits until the crash budget for the window is spent.
func (s *Supervisor) supervise(ctx context.Context, sl *slot) {
	defer s.wg.Done()
	defer close(sl.done)

	id := sl.account.ID
	logger := s.logger.With(logging.String(logging.FieldAccount, id))
	for {
		err := s.runWorker(ctx, sl)
		s.metrics.WorkerUp(id, false)
		if ctx.Err() != nil {
			return
		}

		crashes := s.recordCrash(sl, err)
		if crashes > s.cfg.Supervisor.MaxRestarts {
			sl.markAbandoned()
			logging.ErrorWithContext(logger, "worker abandoned after repeated crashes", "worker_abandoned",
				logging.Int("crashes", crashes),
				logging.Duration("window", s.cfg.Supervisor.RestartWindowDuration()),
				logging.Error(err),
				logging.String(logging.FieldImpact, "account uploads paused until restarted"),
				logging.String(logging.FieldErrorHint, "inspect the log, then run storesync restart --account "+id),
				logging.Alert("worker_abandoned"),
			)
			s.publish(ctx, notifications.EventWorkerAbandoned, notifications.Payload{
				"account":  id,
				"restarts": s.cfg.Supervisor.MaxRestarts,
				"error":    err.Error(),
			})
			return
		}

		delay := s.restart.Delay(crashes)
		logging.WarnWithContext(logger, "worker crashed; restarting", "worker_crashed",
			logging.Int("crashes", crashes),
			logging.Duration("restart_in", delay),
			logging.Error(err),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
		sl.markRestarted()
		s.metrics.WorkerRestarted(id)
		s.publish(ctx, notifications.EventWorkerRestarted, notifications.Payload{
			"account": id,
			"crashes": crashes,
			"error":   err.Error(),
		})
	}
}

func (s *Supervisor) recordCrash(sl *slot, err error) int {
	return sl.recordCrash(s.now(), s.cfg.Supervisor.RestartWindowDuration(), err)
}

// runWorker builds a fresh runner and runs it, converting a panic into an
// error so the supervise loop can apply the restart policy.
func (s *Supervisor) runWorker(ctx context.Context, sl *slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	runner, err := s.factory(sl.account)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}
	sl.setRunner(runner, s.now())
	s.metrics.WorkerUp(sl.account.ID, true)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return errors.New("worker exited unexpectedly")
	}
	return nil
}

func (s *Supervisor) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := s.notifier.Publish(context.WithoutCancel(ctx), event, payload); err != nil {
		logging.WarnWithContext(s.logger, "supervisor notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
		)
	}
}

// workerStatus returns the last snapshot of the slot's runner.
func (sl *slot) workerStatus() worker.Status {
	sl.mu.Lock()
	runner := sl.runner
	sl.mu.Unlock()
	if runner == nil {
		return worker.Status{Account: sl.account.ID, State: worker.StateStopped}
	}
	return runner.Status()
}
