package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"storesync/internal/queue"
	"storesync/internal/schedule"
	"storesync/internal/testsupport"
)

func seedAt(t *testing.T, store *queue.Store, key string, at time.Time) *queue.Item {
	t.Helper()
	item, err := store.Enqueue(context.Background(), queue.NewItem{
		ExternalKey:   key,
		Platform:      "etsy",
		AccountID:     "shop-a",
		ScheduledTime: &at,
	})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", key, err)
	}
	return item
}

func TestSlotterSkipsFullDays(t *testing.T) {
	f := newFixture(t, testsupport.WithDailyLimit(1))
	slots, err := schedule.SlotterFromConfig(f.cfg, f.store)
	if err != nil {
		t.Fatalf("SlotterFromConfig: %v", err)
	}
	held := seedAt(t, f.store, "sku-a", time.Date(2025, 3, 10, 22, 59, 0, 0, time.UTC))
	seedAt(t, f.store, "sku-b", time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC))

	after := time.Date(2025, 3, 10, 23, 0, 30, 0, time.UTC)
	got, err := slots.Next(context.Background(), "shop-a", after, held.ScheduledTime)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// Other accounts are not affected by shop-a's load.
	got, err = slots.Next(context.Background(), "shop-b", after, nil)
	if err != nil {
		t.Fatalf("Next shop-b: %v", err)
	}
	if want := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s for shop-b, got %s", want, got)
	}
}

func TestSlotterDoesNotCountHeldItemTwice(t *testing.T) {
	f := newFixture(t, testsupport.WithDailyLimit(1))
	slots, err := schedule.SlotterFromConfig(f.cfg, f.store)
	if err != nil {
		t.Fatalf("SlotterFromConfig: %v", err)
	}
	item := seedAt(t, f.store, "sku-a", now)

	after := now.Add(time.Minute)
	got, err := slots.Next(context.Background(), "shop-a", after, item.ScheduledTime)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.Equal(after) {
		t.Fatalf("held item should keep its day, got %s", got)
	}

	// Without the hold the day is full.
	got, err = slots.Next(context.Background(), "shop-a", after, nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

type errCounter struct{ err error }

func (c errCounter) ScheduledCount(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, c.err
}

func TestSlotterReturnsCountErrors(t *testing.T) {
	window, err := schedule.NewWindow(6*time.Hour, 23*time.Hour, time.UTC)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	boom := errors.New("database is locked")
	if _, err := schedule.NewSlotter(errCounter{err: boom}, window, 5).Next(context.Background(), "shop-a", now, nil); !errors.Is(err, boom) {
		t.Fatalf("expected count error, got %v", err)
	}
	if _, err := schedule.NewSlotter(errCounter{}, window, 0).Next(context.Background(), "shop-a", now, nil); err == nil {
		t.Fatal("expected error for zero limit")
	}
}
