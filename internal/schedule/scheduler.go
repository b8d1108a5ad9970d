package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/queue"
)

// maxPlanDays bounds how far ahead a plan may spill before giving up.
const maxPlanDays = 3660

// Store is the subset of the queue store the scheduler reads and writes.
type Store interface {
	PendingUnscheduled(ctx context.Context, limit int) ([]*queue.Item, error)
	OpenCounts(ctx context.Context) (map[string]int, error)
	ScheduledCount(ctx context.Context, accountID string, from, to time.Time) (int, error)
	AccountsForKeys(ctx context.Context, platform string, keys []string) (map[string][]string, error)
	AssignSchedule(ctx context.Context, id int64, at time.Time) (bool, error)
	EnqueueBatch(ctx context.Context, items []queue.NewItem) (queue.BatchResult, error)
}

// Candidate is a catalog entry that should be listed. AccountID is optional;
// when empty the scheduler picks an active account on Platform.
type Candidate struct {
	ExternalKey string
	Platform    string
	AccountID   string
	Priority    int
	PayloadJSON string
}

// Request parameterizes one planning run.
type Request struct {
	Candidates []Candidate
	// Start is the earliest instant any item may be scheduled. Zero means now.
	Start time.Time
	// DailyLimit overrides schedule.daily_limit when positive.
	DailyLimit int
}

// Scheduler plans and applies time distribution for queue items.
type Scheduler struct {
	store    Store
	accounts []config.Account
	window   Window
	limit    int
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a scheduler from the configuration snapshot.
func New(cfg *config.Config, store Store, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("schedule: store is required")
	}
	window, err := WindowFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:    store,
		accounts: append([]config.Account(nil), cfg.Accounts...),
		window:   window,
		limit:    cfg.Schedule.DailyLimit,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Window returns the business-hours window used for planning.
func (s *Scheduler) Window() Window {
	return s.window
}

// Plan computes scheduled times for every pending, unscheduled item in the
// store followed by the request's candidates, without writing anything.
func (s *Scheduler) Plan(ctx context.Context, req Request) (*Plan, error) {
	limit := s.limit
	if req.DailyLimit > 0 {
		limit = req.DailyLimit
	}
	if limit <= 0 {
		return nil, errors.New("schedule: daily limit must be positive")
	}
	start := req.Start
	if start.IsZero() {
		start = s.now()
	}

	plan := &Plan{DailyLimit: limit, Start: start}

	pending, err := s.store.PendingUnscheduled(ctx, 0)
	if err != nil {
		return nil, err
	}
	load, err := s.store.OpenCounts(ctx)
	if err != nil {
		return nil, err
	}

	var work []Assignment
	for _, item := range pending {
		work = append(work, Assignment{
			ItemID:      item.ID,
			ExternalKey: item.ExternalKey,
			Platform:    item.Platform,
			AccountID:   item.AccountID,
			Priority:    item.Priority,
			PayloadJSON: item.PayloadJSON,
		})
	}

	resolved, err := s.resolveCandidates(ctx, req.Candidates, load, plan)
	if err != nil {
		return nil, err
	}
	work = append(work, resolved...)

	// Group by account, keeping first-seen account order and input order within each.
	var order []string
	byAccount := make(map[string][]Assignment)
	for _, a := range work {
		if _, ok := byAccount[a.AccountID]; !ok {
			order = append(order, a.AccountID)
		}
		byAccount[a.AccountID] = append(byAccount[a.AccountID], a)
	}

	for _, account := range order {
		timed, err := s.distribute(ctx, account, byAccount[account], start, limit)
		if err != nil {
			return nil, err
		}
		plan.Assignments = append(plan.Assignments, timed...)
	}
	return plan, nil
}

// resolveCandidates validates candidates, assigns accounts, and drops keys
// that are already queued or repeated within the request.
func (s *Scheduler) resolveCandidates(ctx context.Context, candidates []Candidate, load map[string]int, plan *Plan) ([]Assignment, error) {
	byPlatform := make(map[string][]string)
	for _, c := range candidates {
		platform := s.candidatePlatform(c)
		if platform != "" && strings.TrimSpace(c.ExternalKey) != "" {
			byPlatform[platform] = append(byPlatform[platform], strings.TrimSpace(c.ExternalKey))
		}
	}
	existing := make(map[string]map[string][]string, len(byPlatform))
	for platform, keys := range byPlatform {
		found, err := s.store.AccountsForKeys(ctx, platform, keys)
		if err != nil {
			return nil, err
		}
		existing[platform] = found
	}

	seen := make(map[string]struct{})
	var out []Assignment
	for _, c := range candidates {
		key := strings.TrimSpace(c.ExternalKey)
		account := strings.TrimSpace(c.AccountID)
		platform := s.candidatePlatform(c)
		skip := func(reason string) {
			plan.Skipped = append(plan.Skipped, Skip{ExternalKey: key, Platform: platform, AccountID: account, Reason: reason})
		}

		if key == "" {
			skip("missing external key")
			continue
		}
		if platform == "" {
			skip("missing platform")
			continue
		}
		if account != "" {
			acct, ok := s.account(account)
			switch {
			case !ok:
				skip("unknown account")
				continue
			case !acct.Active():
				skip("account disabled")
				continue
			case acct.Platform != platform:
				skip(fmt.Sprintf("account is on platform %s", acct.Platform))
				continue
			}
			if containsString(existing[platform][key], account) {
				skip("already queued")
				continue
			}
		} else {
			if len(existing[platform][key]) > 0 {
				skip("already queued")
				continue
			}
			if _, dup := seen[platform+"\x00"+key]; dup {
				skip("duplicate in request")
				continue
			}
			account = s.leastLoaded(platform, load)
			if account == "" {
				skip("no active account for platform")
				continue
			}
		}

		tripleKey := platform + "\x00" + key + "\x00" + account
		if _, dup := seen[tripleKey]; dup {
			skip("duplicate in request")
			continue
		}
		seen[tripleKey] = struct{}{}
		seen[platform+"\x00"+key] = struct{}{}
		load[account]++

		out = append(out, Assignment{
			ExternalKey: key,
			Platform:    platform,
			AccountID:   account,
			Priority:    c.Priority,
			PayloadJSON: c.PayloadJSON,
		})
	}
	return out, nil
}

func (s *Scheduler) candidatePlatform(c Candidate) string {
	platform := strings.ToLower(strings.TrimSpace(c.Platform))
	if platform != "" {
		return platform
	}
	if acct, ok := s.account(strings.TrimSpace(c.AccountID)); ok {
		return acct.Platform
	}
	return ""
}

func (s *Scheduler) account(id string) (config.Account, bool) {
	for _, acct := range s.accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return config.Account{}, false
}

// leastLoaded picks the active account on platform with the fewest open
// items. Ties go to the account listed first in the configuration, which
// makes assignment round-robin when loads are equal.
func (s *Scheduler) leastLoaded(platform string, load map[string]int) string {
	best := ""
	bestLoad := 0
	for _, acct := range s.accounts {
		if !acct.Active() || acct.Platform != platform {
			continue
		}
		if best == "" || load[acct.ID] < bestLoad {
			best = acct.ID
			bestLoad = load[acct.ID]
		}
	}
	return best
}

// distribute fills account-days in order, spacing each day's items evenly
// from the effective window opening to its close.
func (s *Scheduler) distribute(ctx context.Context, account string, items []Assignment, start time.Time, limit int) ([]Assignment, error) {
	out := make([]Assignment, 0, len(items))
	day := s.window.DayOf(start)
	for days := 0; len(items) > 0; days++ {
		if days >= maxPlanDays {
			return nil, fmt.Errorf("schedule: account %s needs more than %d days at daily limit %d", account, maxPlanDays, limit)
		}
		dayStart, dayEnd := s.window.Bounds(day)
		effStart := dayStart
		if start.After(effStart) {
			effStart = start
		}
		if !effStart.Before(dayEnd) {
			day = s.window.NextDay(day)
			continue
		}

		used, err := s.store.ScheduledCount(ctx, account, dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		capacity := limit - used
		// Keep at least one second between consecutive items.
		if maxBySpan := int(dayEnd.Sub(effStart) / time.Second); capacity > maxBySpan {
			capacity = maxBySpan
		}
		if capacity <= 0 {
			day = s.window.NextDay(day)
			continue
		}

		n := min(capacity, len(items))
		step := dayEnd.Sub(effStart) / time.Duration(n)
		for i := 0; i < n; i++ {
			a := items[i]
			a.ScheduledTime = effStart.Add(time.Duration(i) * step)
			a.Day = dayStart.Format(time.DateOnly)
			out = append(out, a)
		}
		items = items[n:]
		day = s.window.NextDay(day)
	}
	return out, nil
}

// Apply persists a plan. Existing pending items receive their scheduled time
// only if they are still unscheduled; new candidates are inserted as
// scheduled, skipping keys that were queued concurrently.
func (s *Scheduler) Apply(ctx context.Context, plan *Plan) (Result, error) {
	var (
		result   Result
		newItems []queue.NewItem
	)
	if plan == nil {
		return result, nil
	}
	result.Skipped = len(plan.Skipped)
	for _, a := range plan.Assignments {
		if a.ItemID != 0 {
			ok, err := s.store.AssignSchedule(ctx, a.ItemID, a.ScheduledTime)
			if err != nil {
				return result, err
			}
			if ok {
				result.Scheduled++
			} else {
				result.Unchanged++
			}
			continue
		}
		at := a.ScheduledTime
		newItems = append(newItems, queue.NewItem{
			ExternalKey:   a.ExternalKey,
			Platform:      a.Platform,
			AccountID:     a.AccountID,
			Priority:      a.Priority,
			ScheduledTime: &at,
			PayloadJSON:   a.PayloadJSON,
		})
	}
	if len(newItems) > 0 {
		batch, err := s.store.EnqueueBatch(ctx, newItems)
		if err != nil {
			return result, err
		}
		result.Inserted = len(batch.Inserted)
		result.Duplicates = len(batch.Duplicates)
	}

	s.logger.Info("schedule applied",
		logging.Int("inserted", result.Inserted),
		logging.Int("scheduled", result.Scheduled),
		logging.Int("unchanged", result.Unchanged),
		logging.Int("duplicates", result.Duplicates),
		logging.Int("skipped", result.Skipped),
		logging.String(logging.FieldEventType, "schedule_applied"),
	)
	return result, nil
}

// Enqueue plans and applies a request in one call.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) (*Plan, Result, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, Result{}, err
	}
	result, err := s.Apply(ctx, plan)
	return plan, result, err
}

// Preview is the dry-run variant of Enqueue: it plans the request and
// returns per account/day counts without persisting anything.
func (s *Scheduler) Preview(ctx context.Context, req Request) (*Plan, []DayCount, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return plan, plan.Preview(), nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
