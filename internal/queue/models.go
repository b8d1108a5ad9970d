package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
//
//	pending -> scheduled -> uploading -> success
//	                ^            |
//	                +-- retry ---+--> failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusScheduled,
	StatusUploading,
	StatusSuccess,
	StatusFailed,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a user-supplied value into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status is success or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Item represents a queue item persisted in SQLite.
type Item struct {
	ID            int64
	ExternalKey   string
	Platform      string
	AccountID     string
	Priority      int
	ScheduledTime *time.Time
	Status        Status
	RetryCount    int
	LastError     string
	PayloadJSON   string
	ListingID     string
	ClaimToken    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the item is claimable at now.
func (i *Item) Due(now time.Time) bool {
	if i == nil || i.ScheduledTime == nil {
		return false
	}
	if i.Status != StatusPending && i.Status != StatusScheduled {
		return false
	}
	return !i.ScheduledTime.After(now)
}

// NewItem describes an item to insert. A nil ScheduledTime inserts the item
// as pending; otherwise it is inserted as scheduled.
type NewItem struct {
	ExternalKey   string
	Platform      string
	AccountID     string
	Priority      int
	ScheduledTime *time.Time
	PayloadJSON   string
}

// BatchResult reports the outcome of EnqueueBatch. Duplicates holds the
// inputs skipped because their key already existed.
type BatchResult struct {
	Inserted   []*Item
	Duplicates []NewItem
}

// Filter narrows List and Stats. Zero values match everything.
type Filter struct {
	AccountID string
	Platform  string
	Statuses  []Status
	Limit     int
}

// AccountCount is one row of the per-account status breakdown.
type AccountCount struct {
	AccountID string
	Status    Status
	Count     int
}

// Outcome is the terminal result a worker writes with Complete.
type Outcome struct {
	Status    Status
	ListingID string
	Error     string
	// ConsumeRetry increments retry_count as part of the transition.
	ConsumeRetry bool
}

// RecoveryAction describes what RecoverStuck did with an item.
type RecoveryAction string

const (
	RecoveryRescheduled RecoveryAction = "rescheduled"
	RecoveryFailed      RecoveryAction = "failed"
	RecoverySkipped     RecoveryAction = "skipped"
)

// RecoveryResult reports the state an item was left in by RecoverStuck.
type RecoveryResult struct {
	Action     RecoveryAction
	RetryCount int
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TableExists      bool
	ColumnsPresent   []string
	MissingColumns   []string
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}
