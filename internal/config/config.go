package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Account describes one storefront credential set on the target platform.
type Account struct {
	ID          string `toml:"id"`
	Platform    string `toml:"platform"`
	DisplayName string `toml:"display_name"`
	Disabled    bool   `toml:"disabled"`
	Token       string `toml:"token"`
	TokenEnv    string `toml:"token_env"`
}

// Active reports whether the supervisor should run a worker for the account.
func (a Account) Active() bool {
	return !a.Disabled
}

// Label returns the display name when set, otherwise the account id.
func (a Account) Label() string {
	if name := strings.TrimSpace(a.DisplayName); name != "" {
		return name
	}
	return a.ID
}

// Platform contains connection settings for one destination platform.
type Platform struct {
	BaseURL   string `toml:"base_url"`
	UserAgent string `toml:"user_agent"`
}

// Schedule contains the time-distribution settings.
type Schedule struct {
	DailyLimit         int    `toml:"daily_limit"`
	BusinessHoursStart string `toml:"business_hours_start"`
	BusinessHoursEnd   string `toml:"business_hours_end"`
	Timezone           string `toml:"timezone"`
}

// Worker contains per-account worker timing and retry policy. Intervals are seconds.
type Worker struct {
	PollInterval       int `toml:"poll_interval"`
	RateLimitInterval  int `toml:"rate_limit_interval"`
	BatchSize          int `toml:"batch_size"`
	MaxRetries         int `toml:"max_retries"`
	BackoffInitial     int `toml:"backoff_initial"`
	BackoffMax         int `toml:"backoff_max"`
	RequestTimeout     int `toml:"request_timeout"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Supervisor contains worker restart policy. Intervals are seconds.
type Supervisor struct {
	MaxRestarts           int `toml:"max_restarts"`
	RestartWindow         int `toml:"restart_window"`
	RestartBackoffInitial int `toml:"restart_backoff_initial"`
	RestartBackoffMax     int `toml:"restart_backoff_max"`
	StopTimeout           int `toml:"stop_timeout"`
}

// Reconciler contains stuck-item sweep settings. Intervals are seconds.
type Reconciler struct {
	Interval       int `toml:"interval"`
	StuckThreshold int `toml:"stuck_threshold"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic        string `toml:"ntfy_topic"`
	RequestTimeout   int    `toml:"request_timeout"`
	RetriesExhausted bool   `toml:"retries_exhausted"`
	PermanentFailure bool   `toml:"permanent_failure"`
	StuckFailed      bool   `toml:"stuck_failed"`
	WorkerAbandoned  bool   `toml:"worker_abandoned"`
	WorkerRestarted  bool   `toml:"worker_restarted"`
	Enqueue          bool   `toml:"enqueue"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Metrics contains the Prometheus exposition settings.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for storesync.
//
// The loaded value is a snapshot: components receive it at construction and
// never mutate it. Changing accounts or limits requires a daemon restart.
type Config struct {
	Paths         Paths               `toml:"paths"`
	Accounts      []Account           `toml:"accounts"`
	Platforms     map[string]Platform `toml:"platforms"`
	Schedule      Schedule            `toml:"schedule"`
	Worker        Worker              `toml:"worker"`
	Supervisor    Supervisor          `toml:"supervisor"`
	Reconciler    Reconciler          `toml:"reconciler"`
	Notifications Notifications       `toml:"notifications"`
	Logging       Logging             `toml:"logging"`
	Metrics       Metrics             `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/storesync/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("storesync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CurrentLogName is the file in the log directory that always points at the
// running daemon's log.
const CurrentLogName = "storesync.log"

// CurrentLogPath returns the daemon log pointer location.
func (c *Config) CurrentLogPath() string {
	return filepath.Join(c.Paths.LogDir, CurrentLogName)
}

// QueueDBPath returns the SQLite database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// LockPath returns the supervisor singleton lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "storesync.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "storesync.pid")
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "storesync.sock")
}

// ActiveAccounts returns the accounts that should run a worker, in file order.
func (c *Config) ActiveAccounts() []Account {
	active := make([]Account, 0, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Active() {
			active = append(active, acct)
		}
	}
	return active
}

// Account looks up an account by id.
func (c *Config) Account(id string) (Account, bool) {
	for _, acct := range c.Accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return Account{}, false
}

// ResolveToken returns the credential for an account, preferring token_env.
func (c *Config) ResolveToken(acct Account) string {
	if env := strings.TrimSpace(acct.TokenEnv); env != "" {
		if value, ok := os.LookupEnv(env); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(acct.Token)
}

// PollDuration returns the worker queue poll interval.
func (w Worker) PollDuration() time.Duration {
	return seconds(w.PollInterval)
}

// RateLimitDuration returns the minimum spacing between platform calls.
func (w Worker) RateLimitDuration() time.Duration {
	return seconds(w.RateLimitInterval)
}

// RequestTimeoutDuration returns the per-call platform timeout.
func (w Worker) RequestTimeoutDuration() time.Duration {
	return seconds(w.RequestTimeout)
}

// ErrorRetryDuration returns the pause after a queue access failure.
func (w Worker) ErrorRetryDuration() time.Duration {
	return seconds(w.ErrorRetryInterval)
}

// StuckThresholdDuration returns the age after which an uploading item is considered abandoned.
func (r Reconciler) StuckThresholdDuration() time.Duration {
	return seconds(r.StuckThreshold)
}

// IntervalDuration returns the sweep interval.
func (r Reconciler) IntervalDuration() time.Duration {
	return seconds(r.Interval)
}

// RestartWindowDuration returns the sliding window used to count worker crashes.
func (s Supervisor) RestartWindowDuration() time.Duration {
	return seconds(s.RestartWindow)
}

// StopTimeoutDuration returns how long Stop waits for in-flight uploads.
func (s Supervisor) StopTimeoutDuration() time.Duration {
	return seconds(s.StopTimeout)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
