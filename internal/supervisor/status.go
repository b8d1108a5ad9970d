package supervisor

import (
	"context"
	"os"
	"time"

	"storesync/internal/queue"
	"storesync/internal/reconciler"
	"storesync/internal/worker"
)

// WorkerStatus describes one account slot.
type WorkerStatus struct {
	worker.Status
	Platform  string    `json:"platform"`
	Restarts  int       `json:"restarts"`
	Abandoned bool      `json:"abandoned"`
	LastCrash string    `json:"last_crash,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Status is the aggregate snapshot returned to the CLI.
type Status struct {
	Running      bool                 `json:"running"`
	PID          int                  `json:"pid"`
	StartedAt    time.Time            `json:"started_at,omitzero"`
	QueueDBPath  string               `json:"queue_db_path"`
	LockPath     string               `json:"lock_path"`
	Workers      []WorkerStatus       `json:"workers"`
	QueueStats   map[string]int       `json:"queue_stats"`
	AccountStats []queue.AccountCount `json:"account_stats"`
	Reconciler   reconciler.Summary   `json:"reconciler"`
	QueueError   string               `json:"queue_error,omitempty"`
}

// Status reports worker health plus queue counts.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	status := Status{
		Running:     s.running,
		PID:         os.Getpid(),
		QueueDBPath: s.store.Path(),
		LockPath:    s.cfg.LockPath(),
	}
	if s.running {
		status.StartedAt = s.startedAt
	}
	slots := make([]*slot, 0, len(s.order))
	for _, id := range s.order {
		slots = append(slots, s.slots[id])
	}
	s.mu.Unlock()

	for _, sl := range slots {
		ws := WorkerStatus{Status: sl.workerStatus(), Platform: sl.account.Platform}
		sl.mu.Lock()
		ws.Restarts = sl.restarts
		ws.Abandoned = sl.abandoned
		ws.LastCrash = sl.lastCrash
		ws.StartedAt = sl.startedAt
		sl.mu.Unlock()
		if !status.Running && !ws.Abandoned {
			ws.State = worker.StateStopped
		}
		status.Workers = append(status.Workers, ws)
	}

	stats, err := s.store.Stats(ctx, queue.Filter{})
	if err != nil {
		status.QueueError = err.Error()
	} else {
		status.QueueStats = make(map[string]int, len(stats))
		for st, n := range stats {
			status.QueueStats[string(st)] = n
		}
	}
	if counts, err := s.store.AccountStats(ctx); err == nil {
		status.AccountStats = counts
	} else if status.QueueError == "" {
		status.QueueError = err.Error()
	}
	status.Reconciler = s.reconciler.Last()
	return status
}
