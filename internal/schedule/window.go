package schedule

import (
	"fmt"
	"time"

	"storesync/internal/config"
)

// Window is the daily business-hours range [Start, End) in a fixed location.
type Window struct {
	start time.Duration
	end   time.Duration
	loc   *time.Location
}

// NewWindow builds a window from offsets after local midnight.
func NewWindow(start, end time.Duration, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	if start < 0 || end > 24*time.Hour || end <= start {
		return Window{}, fmt.Errorf("invalid business-hours window %s-%s", start, end)
	}
	return Window{start: start, end: end, loc: loc}, nil
}

// WindowFromConfig builds the window described by the [schedule] section.
func WindowFromConfig(cfg *config.Config) (Window, error) {
	start, err := config.ParseClock(cfg.Schedule.BusinessHoursStart)
	if err != nil {
		return Window{}, fmt.Errorf("business hours start: %w", err)
	}
	end, err := config.ParseClock(cfg.Schedule.BusinessHoursEnd)
	if err != nil {
		return Window{}, fmt.Errorf("business hours end: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return Window{}, fmt.Errorf("timezone: %w", err)
	}
	return NewWindow(start, end, loc)
}

// Location returns the zone the window is evaluated in.
func (w Window) Location() *time.Location {
	return w.loc
}

// String renders the window as HH:MM-HH:MM.
func (w Window) String() string {
	return fmt.Sprintf("%s-%s %s", clock(w.start), clock(w.end), w.loc)
}

// DayOf returns local midnight of the calendar day containing t.
func (w Window) DayOf(t time.Time) time.Time {
	local := t.In(w.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
}

// NextDay returns local midnight of the calendar day after day.
func (w Window) NextDay(day time.Time) time.Time {
	local := day.In(w.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, w.loc)
}

// Bounds returns the window opening and closing instants on the day containing t.
func (w Window) Bounds(t time.Time) (time.Time, time.Time) {
	local := t.In(w.loc)
	return w.at(local, w.start), w.at(local, w.end)
}

// at builds wall-clock times with time.Date so DST shifts do not move the window.
func (w Window) at(day time.Time, offset time.Duration) time.Time {
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), hours, minutes, 0, 0, w.loc)
}

// Contains reports whether t falls inside the window on its own day.
func (w Window) Contains(t time.Time) bool {
	start, end := w.Bounds(t)
	return !t.Before(start) && t.Before(end)
}

// Next returns t when it lies inside the window, otherwise the next opening.
func (w Window) Next(t time.Time) time.Time {
	start, end := w.Bounds(t)
	switch {
	case t.Before(start):
		return start
	case t.Before(end):
		return t
	default:
		nextStart, _ := w.Bounds(w.NextDay(t))
		return nextStart
	}
}

// Until returns how long to wait from t until the window is open.
func (w Window) Until(t time.Time) time.Duration {
	return w.Next(t).Sub(t)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int((d%time.Hour)/time.Minute))
}
