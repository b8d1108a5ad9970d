package schedule

import (
	"sort"
	"time"
)

// Assignment is one item with its computed scheduled time. ItemID is set
// for items already in the store and zero for new candidates.
type Assignment struct {
	ItemID        int64
	ExternalKey   string
	Platform      string
	AccountID     string
	Priority      int
	PayloadJSON   string
	ScheduledTime time.Time
	// Day is the local calendar date (YYYY-MM-DD) the item is scheduled on.
	Day string
}

// Skip records a candidate that was left out of the plan.
type Skip struct {
	ExternalKey string
	Platform    string
	AccountID   string
	Reason      string
}

// Plan is the output of Scheduler.Plan.
type Plan struct {
	Start       time.Time
	DailyLimit  int
	Assignments []Assignment
	Skipped     []Skip
}

// DayCount summarizes one account-day of a plan.
type DayCount struct {
	AccountID string
	Day       string
	Count     int
	First     time.Time
	Last      time.Time
}

// Result reports what Apply persisted.
type Result struct {
	Inserted   int
	Scheduled  int
	Unchanged  int
	Duplicates int
	Skipped    int
}

// Preview returns per account/day counts ordered by account then day.
func (p *Plan) Preview() []DayCount {
	if p == nil {
		return nil
	}
	index := make(map[[2]string]int)
	var counts []DayCount
	for _, a := range p.Assignments {
		key := [2]string{a.AccountID, a.Day}
		i, ok := index[key]
		if !ok {
			i = len(counts)
			index[key] = i
			counts = append(counts, DayCount{AccountID: a.AccountID, Day: a.Day, First: a.ScheduledTime, Last: a.ScheduledTime})
		}
		c := &counts[i]
		c.Count++
		if a.ScheduledTime.Before(c.First) {
			c.First = a.ScheduledTime
		}
		if a.ScheduledTime.After(c.Last) {
			c.Last = a.ScheduledTime
		}
	}
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].AccountID != counts[j].AccountID {
			return counts[i].AccountID < counts[j].AccountID
		}
		return counts[i].Day < counts[j].Day
	})
	return counts
}

// Total returns the number of planned assignments.
func (p *Plan) Total() int {
	if p == nil {
		return 0
	}
	return len(p.Assignments)
}
