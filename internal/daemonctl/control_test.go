package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storesync/internal/daemonctl"
	"storesync/internal/queue"
	"storesync/internal/testsupport"
	"storesync/internal/worker"
)

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := daemonctl.ReadPID(good)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := daemonctl.ReadPID(bad); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
	if _, err := daemonctl.ReadPID(filepath.Join(dir, "missing.pid")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !daemonctl.ProcessAlive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
	if daemonctl.ProcessAlive(0) || daemonctl.ProcessAlive(-1) {
		t.Fatal("non-positive pids are never alive")
	}
	if !daemonctl.WaitForExit(0, 10*time.Millisecond) {
		t.Fatal("WaitForExit should return immediately for a dead pid")
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := daemonctl.StopAndTerminate(cfg, filepath.Join(t.TempDir(), "none.sock"), time.Second)
	if !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	if _, err := daemonctl.RestartWorkers(filepath.Join(t.TempDir(), "none.sock"), ""); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	at := time.Now().Add(time.Hour)
	if _, err := store.Enqueue(context.Background(), queue.NewItem{
		ExternalKey:   "sku-1",
		Platform:      "etsy",
		AccountID:     "shop-a",
		ScheduledTime: &at,
		PayloadJSON:   `{}`,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status, err := daemonctl.BuildStatusSnapshot(context.Background(), filepath.Join(t.TempDir(), "none.sock"), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if status.Running {
		t.Fatal("offline snapshot must not report running")
	}
	if status.QueueStats[string(queue.StatusScheduled)] != 1 {
		t.Fatalf("unexpected queue stats: %v (err %q)", status.QueueStats, status.QueueError)
	}
	if len(status.Workers) != 2 {
		t.Fatalf("expected configured accounts listed, got %d", len(status.Workers))
	}
	for _, w := range status.Workers {
		if w.State != worker.StateStopped {
			t.Fatalf("worker %s state %s, want stopped", w.Account, w.State)
		}
	}
}
