package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"storesync/internal/queue"
	"storesync/internal/testsupport"
)

func writeCatalog(t *testing.T, env *cliTestEnv, entries []map[string]any) string {
	t.Helper()
	path := filepath.Join(env.baseDir, "catalog.json")
	testsupport.WriteJSON(t, path, entries)
	return path
}

func sampleCatalog() []map[string]any {
	return []map[string]any{
		{"key": "sku-1", "platform": "etsy", "account": "shop-a", "title": "Mug", "price": 12.5},
		{"key": "sku-2", "platform": "etsy", "account": "shop-a", "title": "Bowl"},
		{"key": "sku-3", "platform": "etsy", "account": "shop-a", "title": "Plate"},
		{"key": "sku-4", "platform": "etsy", "title": ""},
		{"key": "sku-5", "platform": "etsy", "title": "Sold", "status": "listed"},
	}
}

func futureDate(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}

func TestEnqueueDryRunWritesNothing(t *testing.T) {
	env := setupCLITestEnv(t)
	catalogPath := writeCatalog(t, env, sampleCatalog())

	out, err := env.run(t, "enqueue", catalogPath, "--dry-run", "--daily-limit", "2", "--start-date", futureDate(3))
	if err != nil {
		t.Fatalf("enqueue --dry-run: %v", err)
	}
	requireContains(t, out, "Dry run: nothing was written")
	requireContains(t, out, "3 item(s), daily limit 2")
	requireContains(t, out, "title is required")

	items, err := env.store.List(context.Background(), queue.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("dry run persisted %d items", len(items))
	}
}

func TestEnqueueSpreadsAcrossDays(t *testing.T) {
	env := setupCLITestEnv(t)
	catalogPath := writeCatalog(t, env, sampleCatalog())

	out, err := env.run(t, "--json", "enqueue", catalogPath, "--daily-limit", "2", "--start-date", futureDate(3))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var report enqueueReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Result == nil || report.Result.Inserted != 3 {
		t.Fatalf("expected 3 inserted, got %+v", report.Result)
	}
	if len(report.Days) != 2 || report.Days[0].Count != 2 || report.Days[1].Count != 1 {
		t.Fatalf("expected 2+1 split across two days, got %+v", report.Days)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Key != "sku-4" {
		t.Fatalf("expected sku-4 rejected, got %+v", report.Skipped)
	}

	items, err := env.store.List(context.Background(), queue.Filter{AccountID: "shop-a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 stored items, got %d", len(items))
	}
	for _, item := range items {
		if item.Status != queue.StatusScheduled || item.ScheduledTime == nil {
			t.Fatalf("item %s not scheduled: %s", item.ExternalKey, item.Status)
		}
	}

	// Re-running the same catalog must not create duplicates.
	out, err = env.run(t, "enqueue", catalogPath, "--daily-limit", "2", "--start-date", futureDate(3))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	requireContains(t, out, "Inserted 0")
	items, err = env.store.List(context.Background(), queue.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items after re-run, got %d", len(items))
	}
}

func TestEnqueueWithoutCatalogSchedulesPending(t *testing.T) {
	env := setupCLITestEnv(t)
	item := seedItem(t, env.store, "sku-pending", "shop-b", nil)

	out, err := env.run(t, "enqueue", "--start-date", futureDate(2))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	requireContains(t, out, "scheduled 1 pending")

	got, err := env.store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusScheduled || got.ScheduledTime == nil {
		t.Fatalf("expected pending item scheduled, got %s", got.Status)
	}
}

func TestEnqueueRejectsBadStartDate(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := env.run(t, "enqueue", "--start-date", "next tuesday"); err == nil {
		t.Fatal("expected error for malformed start date")
	}
}
