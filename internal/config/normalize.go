package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAccounts()
	c.normalizePlatforms()
	c.normalizeSchedule()
	c.normalizeNotifications()
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAccounts() {
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		acct.ID = strings.TrimSpace(acct.ID)
		acct.Platform = strings.ToLower(strings.TrimSpace(acct.Platform))
		acct.DisplayName = strings.TrimSpace(acct.DisplayName)
		acct.TokenEnv = strings.TrimSpace(acct.TokenEnv)
		acct.Token = strings.TrimSpace(acct.Token)
	}
}

func (c *Config) normalizePlatforms() {
	if c.Platforms == nil {
		c.Platforms = map[string]Platform{}
	}
	normalized := make(map[string]Platform, len(c.Platforms))
	for name, platform := range c.Platforms {
		key := strings.ToLower(strings.TrimSpace(name))
		platform.BaseURL = strings.TrimRight(strings.TrimSpace(platform.BaseURL), "/")
		platform.UserAgent = strings.TrimSpace(platform.UserAgent)
		if platform.UserAgent == "" {
			platform.UserAgent = defaultPlatformUserAgent
		}
		normalized[key] = platform
	}
	c.Platforms = normalized
}

func (c *Config) normalizeSchedule() {
	c.Schedule.BusinessHoursStart = strings.TrimSpace(c.Schedule.BusinessHoursStart)
	if c.Schedule.BusinessHoursStart == "" {
		c.Schedule.BusinessHoursStart = defaultBusinessHoursStart
	}
	c.Schedule.BusinessHoursEnd = strings.TrimSpace(c.Schedule.BusinessHoursEnd)
	if c.Schedule.BusinessHoursEnd == "" {
		c.Schedule.BusinessHoursEnd = defaultBusinessHoursEnd
	}
	c.Schedule.Timezone = strings.TrimSpace(c.Schedule.Timezone)
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("STORESYNC_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
