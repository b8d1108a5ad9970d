package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/notifications"
	"storesync/internal/platform"
	"storesync/internal/queue"
	"storesync/internal/services"
	"storesync/internal/testsupport"
	"storesync/internal/worker"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	cfg      *config.Config
	store    *queue.Store
	clock    *testsupport.Clock
	notifier *notifications.Recorder
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	clock := testsupport.NewClock(baseTime)
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Worker.RateLimitInterval = 0
	return &harness{
		cfg:      cfg,
		store:    testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now)),
		clock:    clock,
		notifier: &notifications.Recorder{},
	}
}

func (h *harness) worker(t *testing.T, client platform.Client, opts ...worker.Option) *worker.Worker {
	t.Helper()
	account, ok := h.cfg.Account("shop-a")
	if !ok {
		t.Fatal("shop-a not configured")
	}
	base := []worker.Option{
		worker.WithLogger(logging.NewNop()),
		worker.WithNotifier(h.notifier),
		worker.WithClock(h.clock.Now),
	}
	w, err := worker.New(h.cfg, account, h.store, client, append(base, opts...)...)
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return w
}

func (h *harness) enqueueDue(t *testing.T, key string, priority int) *queue.Item {
	t.Helper()
	at := h.clock.Now()
	item, err := h.store.Enqueue(context.Background(), queue.NewItem{
		ExternalKey:   key,
		Platform:      "etsy",
		AccountID:     "shop-a",
		Priority:      priority,
		ScheduledTime: &at,
		PayloadJSON:   fmt.Sprintf(`{"key":%q}`, key),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item
}

func (h *harness) get(t *testing.T, id int64) *queue.Item {
	t.Helper()
	item, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return item
}

func transient() error {
	return services.Wrap(services.ErrTimeout, "platform etsy", "create listing", "request timed out", nil)
}

func TestRunOnceUploadsInPriorityOrder(t *testing.T) {
	h := newHarness(t)
	low := h.enqueueDue(t, "low", 5)
	high := h.enqueueDue(t, "high", 1)

	var mu sync.Mutex
	var order []string
	client := platform.ClientFunc(func(ctx context.Context, account, payload string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if account != "shop-a" {
			t.Errorf("unexpected account %q", account)
		}
		order = append(order, payload)
		return fmt.Sprintf("L-%d", len(order)), nil
	})

	n, err := h.worker(t, client).RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if len(order) != 2 || order[0] != `{"key":"high"}` {
		t.Fatalf("unexpected call order %v", order)
	}
	if got := h.get(t, high.ID); got.Status != queue.StatusSuccess || got.ListingID != "L-1" {
		t.Fatalf("high: %s %q", got.Status, got.ListingID)
	}
	if got := h.get(t, low.ID); got.Status != queue.StatusSuccess || got.ListingID != "L-2" {
		t.Fatalf("low: %s %q", got.Status, got.ListingID)
	}
}

func TestTransientFailureReschedulesWithBackoff(t *testing.T) {
	h := newHarness(t)
	item := h.enqueueDue(t, "sku", 0)

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "", transient()
	})
	w := h.worker(t, client)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := h.get(t, item.ID)
	if got.Status != queue.StatusScheduled || got.RetryCount != 1 {
		t.Fatalf("expected scheduled retry 1, got %s %d", got.Status, got.RetryCount)
	}
	if want := baseTime.Add(60 * time.Second); !got.ScheduledTime.Equal(want) {
		t.Fatalf("expected retry at %s, got %s", want, got.ScheduledTime)
	}
	if got.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
	if w.Status().Retried != 1 {
		t.Fatalf("unexpected status %+v", w.Status())
	}

	// Not due yet: nothing claimed.
	if n, _ := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected nothing due, claimed %d", n)
	}
}

func TestRetryAfterExtendsBackoff(t *testing.T) {
	h := newHarness(t)
	item := h.enqueueDue(t, "sku", 0)

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		err := services.Wrap(services.ErrRateLimited, "platform etsy", "create listing", "http 429", nil)
		return "", services.WithRetryAfter(err, 10*time.Minute)
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := h.get(t, item.ID); !got.ScheduledTime.Equal(baseTime.Add(10 * time.Minute)) {
		t.Fatalf("expected retry-after to win, got %s", got.ScheduledTime)
	}
}

func TestRescheduleLandsInsideWindow(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2025, 3, 10, 22, 59, 30, 0, time.UTC))
	item := h.enqueueDue(t, "sku", 0)

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "", transient()
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)
	if got := h.get(t, item.ID); !got.ScheduledTime.Equal(want) {
		t.Fatalf("expected next opening %s, got %s", want, got.ScheduledTime)
	}
}

func TestRescheduleRespectsDailyLimitOnSpillDay(t *testing.T) {
	h := newHarness(t, testsupport.WithDailyLimit(1))
	h.clock.Set(time.Date(2025, 3, 10, 22, 59, 30, 0, time.UTC))
	item := h.enqueueDue(t, "sku-a", 0)
	tomorrow := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)
	if _, err := h.store.Enqueue(context.Background(), queue.NewItem{
		ExternalKey:   "sku-b",
		Platform:      "etsy",
		AccountID:     "shop-a",
		ScheduledTime: &tomorrow,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "", transient()
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC)
	if got := h.get(t, item.ID); !got.ScheduledTime.Equal(want) {
		t.Fatalf("expected retry on the first day with room %s, got %s", want, got.ScheduledTime)
	}
	count, err := h.store.ScheduledCount(context.Background(), "shop-a", tomorrow, tomorrow.Add(17*time.Hour))
	if err != nil {
		t.Fatalf("ScheduledCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 2025-03-11 to stay at the daily limit, got %d items", count)
	}
}

func callStarts(t *testing.T, h *harness, opts ...worker.Option) []time.Time {
	t.Helper()
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		starts = append(starts, time.Now())
		return fmt.Sprintf("L-%d", len(starts)), nil
	})
	if _, err := h.worker(t, client, opts...).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return starts
}

func requireSpacing(t *testing.T, starts []time.Time, want int, interval, slack time.Duration) {
	t.Helper()
	if len(starts) != want {
		t.Fatalf("expected %d calls, got %d", want, len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < interval-slack {
			t.Fatalf("calls %d and %d only %s apart, want at least %s", i-1, i, gap, interval)
		}
	}
}

func TestPlatformCallsAreSpacedByRateLimit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Worker.RateLimitInterval = 1
	h.enqueueDue(t, "a", 1)
	h.enqueueDue(t, "b", 2)

	requireSpacing(t, callStarts(t, h), 2, time.Second, 10*time.Millisecond)
}

func TestWithLimiterSpacesCalls(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.enqueueDue(t, fmt.Sprintf("sku-%d", i), i)
	}
	interval := 100 * time.Millisecond
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	requireSpacing(t, callStarts(t, h, worker.WithLimiter(limiter)), 4, interval, 10*time.Millisecond)
}

func TestRetriesExhaustedFailsAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxRetries(3))
	item := h.enqueueDue(t, "sku", 0)

	calls := 0
	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		calls++
		return "", transient()
	})
	w := h.worker(t, client)
	for i := 0; i < 5; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		h.clock.Advance(time.Hour)
	}

	got := h.get(t, item.ID)
	if got.Status != queue.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("expected failed with 3 retries, got %s %d", got.Status, got.RetryCount)
	}
	if calls != 3 {
		t.Fatalf("expected 3 platform calls, got %d", calls)
	}
	if n := h.notifier.Count(notifications.EventRetriesExhausted); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestSucceedsAfterMaxMinusOneFailures(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxRetries(3))
	item := h.enqueueDue(t, "sku", 0)

	calls := 0
	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		calls++
		if calls < 3 {
			return "", transient()
		}
		return "L-9", nil
	})
	w := h.worker(t, client)
	for i := 0; i < 3; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		h.clock.Advance(time.Hour)
	}

	got := h.get(t, item.ID)
	if got.Status != queue.StatusSuccess || got.RetryCount != 2 || got.ListingID != "L-9" {
		t.Fatalf("unexpected final item %s retry=%d listing=%q", got.Status, got.RetryCount, got.ListingID)
	}
	if len(h.notifier.Events()) != 0 {
		t.Fatalf("expected no notifications, got %v", h.notifier.Events())
	}
}

func TestPermanentFailureDoesNotConsumeRetry(t *testing.T) {
	h := newHarness(t)
	item := h.enqueueDue(t, "sku", 0)

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "", services.Wrap(services.ErrValidation, "platform etsy", "create listing", "http 422: title too long", nil)
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := h.get(t, item.ID)
	if got.Status != queue.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected failed without retry, got %s %d", got.Status, got.RetryCount)
	}
	if n := h.notifier.Count(notifications.EventPermanentFailure); n != 1 {
		t.Fatalf("expected one permanent-failure notification, got %d", n)
	}
}

func TestCancelLetsInFlightCallFinishAndReleasesRest(t *testing.T) {
	h := newHarness(t)
	first := h.enqueueDue(t, "a", 1)
	second := h.enqueueDue(t, "b", 2)
	third := h.enqueueDue(t, "c", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	client := platform.ClientFunc(func(callCtx context.Context, _, _ string) (string, error) {
		calls++
		cancel()
		if callCtx.Err() != nil {
			t.Error("platform call context should not be cancelled by stop")
		}
		return "L-1", nil
	})

	n, err := h.worker(t, client).RunOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
	if got := h.get(t, first.ID); got.Status != queue.StatusSuccess {
		t.Fatalf("in-flight item should complete, got %s", got.Status)
	}
	for _, id := range []int64{second.ID, third.ID} {
		got := h.get(t, id)
		if got.Status != queue.StatusScheduled || got.RetryCount != 0 || got.ClaimToken != "" {
			t.Fatalf("item %d should be released, got %s retry=%d token=%q", id, got.Status, got.RetryCount, got.ClaimToken)
		}
	}
}

func TestWindowClosingMidBatchReleasesRest(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2025, 3, 10, 22, 59, 0, 0, time.UTC))
	first := h.enqueueDue(t, "a", 1)
	second := h.enqueueDue(t, "b", 2)

	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		h.clock.Advance(2 * time.Minute)
		return "L-1", nil
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := h.get(t, first.ID); got.Status != queue.StatusSuccess {
		t.Fatalf("first: %s", got.Status)
	}
	if got := h.get(t, second.ID); got.Status != queue.StatusScheduled {
		t.Fatalf("second should wait for the next window, got %s", got.Status)
	}
}

func TestOutcomeDiscardedWhenReconcilerRecoveredItem(t *testing.T) {
	h := newHarness(t)
	item := h.enqueueDue(t, "sku", 0)
	threshold := h.cfg.Reconciler.StuckThresholdDuration()

	client := platform.ClientFunc(func(ctx context.Context, _, _ string) (string, error) {
		h.clock.Advance(threshold + time.Minute)
		stuck, err := h.store.ListStuck(ctx, threshold)
		if err != nil || len(stuck) != 1 {
			t.Errorf("ListStuck = %d, %v", len(stuck), err)
			return "", transient()
		}
		if _, err := h.store.RecoverStuck(ctx, stuck[0], threshold, 3, h.clock.Now(), "stuck"); err != nil {
			t.Errorf("RecoverStuck: %v", err)
		}
		return "L-late", nil
	})
	if _, err := h.worker(t, client).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := h.get(t, item.ID)
	if got.Status != queue.StatusScheduled || got.RetryCount != 1 || got.ListingID != "" {
		t.Fatalf("reconciler state should stand, got %s retry=%d listing=%q", got.Status, got.RetryCount, got.ListingID)
	}
}

func TestRunWaitsOutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC))
	h.enqueueDue(t, "sku", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return ctx.Err()
	}
	client := platform.ClientFunc(func(context.Context, string, string) (string, error) {
		t.Error("no upload should happen outside business hours")
		return "", nil
	})

	w := h.worker(t, client, worker.WithSleeper(sleeper))
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(waits) != 1 || waits[0] != 3*time.Hour {
		t.Fatalf("expected a single 3h wait, got %v", waits)
	}
	if w.Status().State != worker.StateStopped {
		t.Fatalf("expected stopped state, got %s", w.Status().State)
	}
}

func TestRunPollsAndBacksOffOnStoreErrors(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{Store: h.store, err: errors.New("database is locked")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	account, _ := h.cfg.Account("shop-a")
	w, err := worker.New(h.cfg, account, store, platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "L", nil
	}), worker.WithClock(h.clock.Now), worker.WithSleeper(sleeper))
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	errorRetry := h.cfg.Worker.ErrorRetryDuration()
	poll := h.cfg.Worker.PollDuration()
	if len(waits) != 2 || waits[0] != errorRetry || waits[1] != poll {
		t.Fatalf("expected error backoff then poll wait, got %v", waits)
	}
}

func TestRunKeepsErrorBackoffAcrossConsecutiveFailures(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{Store: h.store, err: errors.New("database is locked"), times: 3}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 4 {
			cancel()
		}
		return ctx.Err()
	}

	account, _ := h.cfg.Account("shop-a")
	w, err := worker.New(h.cfg, account, store, platform.ClientFunc(func(context.Context, string, string) (string, error) {
		return "L", nil
	}), worker.WithClock(h.clock.Now), worker.WithSleeper(sleeper))
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	errorRetry := h.cfg.Worker.ErrorRetryDuration()
	want := []time.Duration{errorRetry, errorRetry, errorRetry, h.cfg.Worker.PollDuration()}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Fatalf("expected waits %v, got %v", want, waits)
	}
}

// failingStore fails the first times ClaimDue calls, at least one, and then delegates.
type failingStore struct {
	*queue.Store
	err    error
	times  int
	failed int
}

func (f *failingStore) ClaimDue(ctx context.Context, accountID string, batchSize int) ([]*queue.Item, error) {
	if f.failed < max(f.times, 1) {
		f.failed++
		return nil, f.err
	}
	return f.Store.ClaimDue(ctx, accountID, batchSize)
}
