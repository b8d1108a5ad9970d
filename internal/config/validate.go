package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateReconciler(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateAccounts() error {
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d].id must be set", i)
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, acct.ID)
		}
		seen[acct.ID] = struct{}{}
		if acct.Platform == "" {
			return fmt.Errorf("accounts[%d].platform must be set for account %q", i, acct.ID)
		}
		platform, ok := c.Platforms[acct.Platform]
		if !ok {
			return fmt.Errorf("account %q references platform %q with no [platforms.%s] section", acct.ID, acct.Platform, acct.Platform)
		}
		if acct.Active() {
			if platform.BaseURL == "" {
				return fmt.Errorf("platforms.%s.base_url must be set", acct.Platform)
			}
			if _, err := url.ParseRequestURI(platform.BaseURL); err != nil {
				return fmt.Errorf("platforms.%s.base_url: %w", acct.Platform, err)
			}
		}
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if c.Schedule.DailyLimit <= 0 {
		return errors.New("schedule.daily_limit must be positive")
	}
	start, err := ParseClock(c.Schedule.BusinessHoursStart)
	if err != nil {
		return fmt.Errorf("schedule.business_hours_start: %w", err)
	}
	end, err := ParseClock(c.Schedule.BusinessHoursEnd)
	if err != nil {
		return fmt.Errorf("schedule.business_hours_end: %w", err)
	}
	if end <= start {
		return errors.New("schedule.business_hours_end must be later than schedule.business_hours_start")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if err := ensurePositiveMap(map[string]int{
		"worker.poll_interval":        c.Worker.PollInterval,
		"worker.batch_size":           c.Worker.BatchSize,
		"worker.max_retries":          c.Worker.MaxRetries,
		"worker.backoff_initial":      c.Worker.BackoffInitial,
		"worker.backoff_max":          c.Worker.BackoffMax,
		"worker.request_timeout":      c.Worker.RequestTimeout,
		"worker.error_retry_interval": c.Worker.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Worker.RateLimitInterval < 0 {
		return errors.New("worker.rate_limit_interval must not be negative")
	}
	if c.Worker.BackoffMax < c.Worker.BackoffInitial {
		return errors.New("worker.backoff_max must be at least worker.backoff_initial")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	if err := ensurePositiveMap(map[string]int{
		"supervisor.max_restarts":            c.Supervisor.MaxRestarts,
		"supervisor.restart_window":          c.Supervisor.RestartWindow,
		"supervisor.restart_backoff_initial": c.Supervisor.RestartBackoffInitial,
		"supervisor.restart_backoff_max":     c.Supervisor.RestartBackoffMax,
		"supervisor.stop_timeout":            c.Supervisor.StopTimeout,
	}); err != nil {
		return err
	}
	if c.Supervisor.RestartBackoffMax < c.Supervisor.RestartBackoffInitial {
		return errors.New("supervisor.restart_backoff_max must be at least supervisor.restart_backoff_initial")
	}
	// Stop must outlast one rate-limit wait plus one platform call.
	if inFlight := c.Worker.RequestTimeout + c.Worker.RateLimitInterval; c.Supervisor.StopTimeout <= inFlight {
		return fmt.Errorf("supervisor.stop_timeout (%ds) must be greater than worker.request_timeout plus worker.rate_limit_interval (%ds)", c.Supervisor.StopTimeout, inFlight)
	}
	return nil
}

func (c *Config) validateReconciler() error {
	if err := ensurePositiveMap(map[string]int{
		"reconciler.interval":        c.Reconciler.Interval,
		"reconciler.stuck_threshold": c.Reconciler.StuckThreshold,
	}); err != nil {
		return err
	}
	// A stuck threshold shorter than one platform call would recover live uploads.
	if c.Reconciler.StuckThreshold <= c.Worker.RequestTimeout {
		return errors.New("reconciler.stuck_threshold must be greater than worker.request_timeout")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// Location resolves schedule.timezone. "Local" maps to the host zone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Schedule.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// ParseClock parses an HH:MM wall-clock value and returns the offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	hourPart, minutePart, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if hour == 24 && minute != 0 {
		return 0, fmt.Errorf("invalid clock value %q", value)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}
