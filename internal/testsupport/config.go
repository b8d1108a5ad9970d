package testsupport

import (
	"path/filepath"
	"testing"

	"storesync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It configures two active accounts, shop-a and shop-b, on the "etsy"
// platform, a UTC 06:00-23:00 window, and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Platforms = map[string]config.Platform{
		"etsy": {BaseURL: "http://127.0.0.1:1", UserAgent: "storesync/test"},
	}
	cfgVal.Accounts = []config.Account{
		{ID: "shop-a", Platform: "etsy", Token: "token-a"},
		{ID: "shop-b", Platform: "etsy", Token: "token-b"},
	}
	cfgVal.Schedule.Timezone = "UTC"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithAccounts replaces the configured accounts.
func WithAccounts(accounts ...config.Account) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Accounts = accounts
	}
}

// WithPlatformURL points the named platform at a test server.
func WithPlatformURL(platform, baseURL string) ConfigOption {
	return func(b *configBuilder) {
		entry := b.cfg.Platforms[platform]
		entry.BaseURL = baseURL
		if entry.UserAgent == "" {
			entry.UserAgent = "storesync/test"
		}
		b.cfg.Platforms[platform] = entry
	}
}

// WithWindow overrides the business-hours window.
func WithWindow(start, end string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Schedule.BusinessHoursStart = start
		b.cfg.Schedule.BusinessHoursEnd = end
	}
}

// WithDailyLimit overrides schedule.daily_limit.
func WithDailyLimit(limit int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Schedule.DailyLimit = limit
	}
}

// WithMaxRetries overrides worker.max_retries.
func WithMaxRetries(max int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.MaxRetries = max
	}
}

// WithNtfyTopic sets the notification endpoint.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
