package ipc

import (
	"storesync/internal/reconciler"
	"storesync/internal/supervisor"
)

// ServiceName is the RPC receiver name registered by the server.
const ServiceName = "Storesync"

// StartRequest starts the supervisor's workers.
type StartRequest struct{}

// StartResponse indicates whether the supervisor was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the supervisor's workers.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches supervisor status.
type StatusRequest struct{}

// StatusResponse is the supervisor snapshot plus daemon paths.
type StatusResponse struct {
	supervisor.Status
	LogPath string `json:"log_path,omitempty"`
}

// RestartRequest restarts one worker, or every worker when Account is empty.
type RestartRequest struct {
	Account string `json:"account,omitempty"`
}

// RestartResponse reports which accounts were restarted.
type RestartResponse struct {
	Restarted []string `json:"restarted"`
}

// ReconcileRequest triggers an immediate stuck-item sweep.
type ReconcileRequest struct{}

// ReconcileResponse carries the sweep summary.
type ReconcileResponse struct {
	Summary reconciler.Summary `json:"summary"`
}

// TestNotificationRequest triggers a test notification.
type TestNotificationRequest struct{}

// TestNotificationResponse indicates whether the notification was sent.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
