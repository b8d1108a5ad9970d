package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/notifications"
	"storesync/internal/supervisor"
	"storesync/internal/testsupport"
	"storesync/internal/worker"
)

type fakeRunner struct {
	account string
	run     func(ctx context.Context) error
}

func (f *fakeRunner) Run(ctx context.Context) error { return f.run(ctx) }

func (f *fakeRunner) Status() worker.Status {
	return worker.Status{Account: f.account, State: worker.StateIdle}
}

func blockUntilCancel(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newSupervisor(t *testing.T, cfg *config.Config, factory supervisor.Factory, rec *notifications.Recorder) *supervisor.Supervisor {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	sup, err := supervisor.New(cfg, store, nil,
		supervisor.WithFactory(factory),
		supervisor.WithNotifier(rec),
		supervisor.WithLogger(logging.NewNop()),
		supervisor.WithRestartSleeper(noSleep),
	)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func workerByAccount(status supervisor.Status, account string) (supervisor.WorkerStatus, bool) {
	for _, w := range status.Workers {
		if w.Account == account {
			return w, true
		}
	}
	return supervisor.WorkerStatus{}, false
}

func steadyFactory(account config.Account) (supervisor.Runner, error) {
	return &fakeRunner{account: account.ID, run: blockUntilCancel}, nil
}

func TestStartRunsOneWorkerPerActiveAccount(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAccounts(
		config.Account{ID: "shop-a", Platform: "etsy", Token: "a"},
		config.Account{ID: "shop-b", Platform: "etsy", Token: "b", Disabled: true},
		config.Account{ID: "shop-c", Platform: "etsy", Token: "c"},
	))
	var built atomic.Int32
	factory := func(account config.Account) (supervisor.Runner, error) {
		built.Add(1)
		return steadyFactory(account)
	}
	sup := newSupervisor(t, cfg, factory, &notifications.Recorder{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	waitFor(t, "workers built", func() bool { return built.Load() == 2 })
	status := sup.Status(context.Background())
	if !status.Running {
		t.Fatal("expected running status")
	}
	if len(status.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(status.Workers))
	}
	if _, ok := workerByAccount(status, "shop-b"); ok {
		t.Fatal("disabled account should not get a worker")
	}
	if status.QueueStats == nil {
		t.Fatalf("expected queue stats, got error %q", status.QueueError)
	}
}

func TestSecondSupervisorIsLockedOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newSupervisor(t, cfg, steadyFactory, &notifications.Recorder{})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second := newSupervisor(t, cfg, steadyFactory, &notifications.Recorder{})
	if err := second.Start(context.Background()); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	second.Stop()
}

func TestStartRequiresActiveAccount(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAccounts(
		config.Account{ID: "shop-a", Platform: "etsy", Token: "a", Disabled: true},
	))
	sup := newSupervisor(t, cfg, steadyFactory, &notifications.Recorder{})
	if err := sup.Start(context.Background()); !errors.Is(err, supervisor.ErrNoActiveAccounts) {
		t.Fatalf("expected ErrNoActiveAccounts, got %v", err)
	}
	if sup.Running() {
		t.Fatal("supervisor should not be running")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sup := newSupervisor(t, cfg, steadyFactory, &notifications.Recorder{})
	sup.Stop()
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Stop()
	sup.Stop()
	status := sup.Status(context.Background())
	if status.Running {
		t.Fatal("expected stopped status")
	}
	for _, w := range status.Workers {
		if w.State != worker.StateStopped {
			t.Fatalf("worker %s state = %s, want stopped", w.Account, w.State)
		}
	}
}

func TestCrashingWorkerIsRestartedThenAbandoned(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Supervisor.MaxRestarts = 2
	var runs atomic.Int32
	factory := func(account config.Account) (supervisor.Runner, error) {
		if account.ID == "shop-b" {
			return steadyFactory(account)
		}
		return &fakeRunner{account: account.ID, run: func(context.Context) error {
			runs.Add(1)
			return errors.New("database handle closed")
		}}, nil
	}
	rec := &notifications.Recorder{}
	sup := newSupervisor(t, cfg, factory, rec)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	waitFor(t, "shop-a abandoned", func() bool {
		w, _ := workerByAccount(sup.Status(context.Background()), "shop-a")
		return w.Abandoned
	})

	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 runs (1 + 2 restarts), got %d", got)
	}
	if got := rec.Count(notifications.EventWorkerRestarted); got != 2 {
		t.Fatalf("expected 2 restart notifications, got %d", got)
	}
	if got := rec.Count(notifications.EventWorkerAbandoned); got != 1 {
		t.Fatalf("expected 1 abandoned notification, got %d", got)
	}

	status := sup.Status(context.Background())
	a, _ := workerByAccount(status, "shop-a")
	if a.Restarts != 2 || a.LastCrash != "database handle closed" || a.State != worker.StateStopped {
		t.Fatalf("unexpected shop-a status: %+v", a)
	}
	b, _ := workerByAccount(status, "shop-b")
	if b.Abandoned || b.State != worker.StateIdle {
		t.Fatalf("shop-b should keep running: %+v", b)
	}
}

func TestPanickingWorkerIsRecovered(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAccounts(
		config.Account{ID: "shop-a", Platform: "etsy", Token: "a"},
	))
	var runs atomic.Int32
	factory := func(account config.Account) (supervisor.Runner, error) {
		return &fakeRunner{account: account.ID, run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("nil map write")
			}
			return blockUntilCancel(ctx)
		}}, nil
	}
	rec := &notifications.Recorder{}
	sup := newSupervisor(t, cfg, factory, rec)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	waitFor(t, "restart", func() bool { return runs.Load() == 2 })
	w, _ := workerByAccount(sup.Status(context.Background()), "shop-a")
	if w.Abandoned || w.Restarts != 1 {
		t.Fatalf("unexpected status after panic: %+v", w)
	}
	if rec.Count(notifications.EventWorkerRestarted) != 1 {
		t.Fatalf("expected one restart notification, got %+v", rec.Events())
	}
}

func TestRestartRevivesAbandonedWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAccounts(
		config.Account{ID: "shop-a", Platform: "etsy", Token: "a"},
	))
	cfg.Supervisor.MaxRestarts = 0
	var healthy atomic.Bool
	factory := func(account config.Account) (supervisor.Runner, error) {
		return &fakeRunner{account: account.ID, run: func(ctx context.Context) error {
			if healthy.Load() {
				return blockUntilCancel(ctx)
			}
			return errors.New("boom")
		}}, nil
	}
	sup := newSupervisor(t, cfg, factory, &notifications.Recorder{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	waitFor(t, "abandoned", func() bool {
		w, _ := workerByAccount(sup.Status(context.Background()), "shop-a")
		return w.Abandoned
	})

	healthy.Store(true)
	if err := sup.Restart("shop-a"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, "revived", func() bool {
		w, _ := workerByAccount(sup.Status(context.Background()), "shop-a")
		return !w.Abandoned && w.State == worker.StateIdle
	})
	if err := sup.Restart("missing"); err == nil {
		t.Fatal("expected error for unknown account")
	}
	if err := sup.RestartAll(); err != nil {
		t.Fatalf("RestartAll: %v", err)
	}
}

func TestStatusAnswersWhileRestartDrainsWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAccounts(
		config.Account{ID: "shop-a", Platform: "etsy", Token: "a"},
	))
	draining := make(chan struct{})
	release := make(chan struct{})
	var builds atomic.Int32
	factory := func(account config.Account) (supervisor.Runner, error) {
		if builds.Add(1) > 1 {
			return &fakeRunner{account: account.ID, run: blockUntilCancel}, nil
		}
		return &fakeRunner{account: account.ID, run: func(ctx context.Context) error {
			<-ctx.Done()
			close(draining)
			<-release
			return nil
		}}, nil
	}
	sup := newSupervisor(t, cfg, factory, &notifications.Recorder{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()
	waitFor(t, "first worker", func() bool { return builds.Load() == 1 })

	restarted := make(chan error, 1)
	go func() { restarted <- sup.Restart("shop-a") }()
	<-draining

	answered := make(chan supervisor.Status, 1)
	go func() { answered <- sup.Status(context.Background()) }()
	select {
	case status := <-answered:
		if len(status.Workers) != 1 {
			t.Fatalf("expected one worker in status, got %+v", status.Workers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked while the old worker was draining")
	}
	if got := sup.Accounts(); len(got) != 1 || got[0] != "shop-a" {
		t.Fatalf("unexpected accounts %v", got)
	}

	close(release)
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("Restart: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Restart did not finish after the worker drained")
	}
	waitFor(t, "replacement worker", func() bool { return builds.Load() == 2 })
}
