package worker

import "time"

// State is the coarse lifecycle state of a worker loop.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateUploading State = "uploading"
	StateWaiting   State = "outside_window"
	StateBackoff   State = "error_backoff"
	StateStopped   State = "stopped"
)

// Status is a point-in-time snapshot of a worker.
type Status struct {
	Account    string    `json:"account"`
	State      State     `json:"state"`
	LastPoll   time.Time `json:"last_poll,omitzero"`
	LastUpload time.Time `json:"last_upload,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Uploaded   int       `json:"uploaded"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
}

// Status returns the worker's current snapshot.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) update(fn func(*Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.state)
}

func (w *Worker) setState(state State) {
	w.update(func(s *Status) { s.State = state })
}
