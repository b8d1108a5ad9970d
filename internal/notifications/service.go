package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storesync/internal/config"
)

const userAgent = "storesync/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventRetriesExhausted Event = "retries_exhausted"
	EventPermanentFailure Event = "permanent_failure"
	EventStuckFailed      Event = "stuck_failed"
	EventWorkerAbandoned  Event = "worker_abandoned"
	EventWorkerRestarted  Event = "worker_restarted"
	EventEnqueueSummary   Event = "enqueue_summary"
	EventTest             Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service defines the notification surface exposed to engine components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return NoopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled:  toggles(cfg.Notifications),
	}
}

func toggles(n config.Notifications) map[Event]bool {
	return map[Event]bool{
		EventRetriesExhausted: n.RetriesExhausted,
		EventPermanentFailure: n.PermanentFailure,
		EventStuckFailed:      n.StuckFailed,
		EventWorkerAbandoned:  n.WorkerAbandoned,
		EventWorkerRestarted:  n.WorkerRestarted,
		EventEnqueueSummary:   n.Enqueue,
		EventTest:             true,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if n == nil || n.client == nil || !n.enabled[event] {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, payload Payload) (message, bool) {
	item := itemLabel(payload)
	switch event {
	case EventRetriesExhausted:
		return message{
			title:    "storesync - Upload Failed",
			body:     fmt.Sprintf("Upload failed after %s attempts: %s\n%s", payload.text("attempts"), item, payload.text("error")),
			tags:     []string{"storesync", "upload", "failed"},
			priority: "high",
		}, true
	case EventPermanentFailure:
		return message{
			title:    "storesync - Upload Rejected",
			body:     fmt.Sprintf("Upload rejected: %s\n%s", item, payload.text("error")),
			tags:     []string{"storesync", "upload", "rejected"},
			priority: "high",
		}, true
	case EventStuckFailed:
		return message{
			title:    "storesync - Stuck Upload Failed",
			body:     fmt.Sprintf("Upload stuck past retry limit: %s", item),
			tags:     []string{"storesync", "reconciler", "failed"},
			priority: "high",
		}, true
	case EventWorkerAbandoned:
		return message{
			title:    "storesync - Worker Stopped",
			body:     fmt.Sprintf("Worker for %s stopped after %s restarts: %s", payload.text("account"), payload.text("restarts"), payload.text("error")),
			tags:     []string{"storesync", "worker", "alert"},
			priority: "urgent",
		}, true
	case EventWorkerRestarted:
		return message{
			title:    "storesync - Worker Restarted",
			body:     fmt.Sprintf("Worker for %s restarted: %s", payload.text("account"), payload.text("error")),
			tags:     []string{"storesync", "worker", "restart"},
			priority: "low",
		}, true
	case EventEnqueueSummary:
		return message{
			title: "storesync - Items Scheduled",
			body:  fmt.Sprintf("Scheduled %s new items (%s skipped)", payload.text("inserted"), payload.text("skipped")),
			tags:  []string{"storesync", "queue", "scheduled"},
		}, true
	case EventTest:
		return message{
			title:    "storesync - Test",
			body:     "Notification system test",
			tags:     []string{"storesync", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func itemLabel(payload Payload) string {
	label := payload.text("external_key")
	if account := payload.text("account"); account != "" {
		label = fmt.Sprintf("%s on %s", label, account)
	}
	if id := payload.text("item_id"); id != "" {
		label = fmt.Sprintf("%s (item %s)", label, id)
	}
	return label
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(strings.TrimSpace(msg.body)))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NoopService discards every event.
type NoopService struct{}

// Publish implements Service.
func (NoopService) Publish(context.Context, Event, Payload) error { return nil }
