package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storesync/internal/config"
)

// DayCounter reports how many items an account has scheduled in [from, to).
type DayCounter interface {
	ScheduledCount(ctx context.Context, accountID string, from, to time.Time) (int, error)
}

// Slotter picks times for items that re-enter the queue after planning:
// transient retries, recovered stuck uploads and re-admitted failures.
// Returned times are inside the window on an account-day that still has
// room below the daily limit.
type Slotter struct {
	counter DayCounter
	window  Window
	limit   int
}

// NewSlotter builds a slotter over counter.
func NewSlotter(counter DayCounter, window Window, limit int) *Slotter {
	return &Slotter{counter: counter, window: window, limit: limit}
}

// SlotterFromConfig builds a slotter using the configured window and daily limit.
func SlotterFromConfig(cfg *config.Config, counter DayCounter) (*Slotter, error) {
	window, err := WindowFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewSlotter(counter, window, cfg.Schedule.DailyLimit), nil
}

// Window returns the business-hours window slots are placed in.
func (s *Slotter) Window() Window {
	return s.window
}

// Next returns the earliest in-window instant at or after after on an
// account-day whose count is below the daily limit. held is the item's
// current scheduled time, if any; the item is not counted against the day
// it already occupies.
func (s *Slotter) Next(ctx context.Context, accountID string, after time.Time, held *time.Time) (time.Time, error) {
	if s.limit <= 0 {
		return time.Time{}, errors.New("schedule: daily limit must be positive")
	}
	at := s.window.Next(after)
	for days := 0; days < maxPlanDays; days++ {
		dayStart, dayEnd := s.window.Bounds(at)
		used, err := s.counter.ScheduledCount(ctx, accountID, dayStart, dayEnd)
		if err != nil {
			return time.Time{}, err
		}
		if held != nil && !held.Before(dayStart) && held.Before(dayEnd) {
			used--
		}
		if used < s.limit {
			return at, nil
		}
		at, _ = s.window.Bounds(s.window.NextDay(at))
	}
	return time.Time{}, fmt.Errorf("schedule: no day with room for account %s within %d days", accountID, maxPlanDays)
}
