package config

const (
	defaultStateDir              = "~/.local/share/storesync"
	defaultLogDir                = "~/.local/share/storesync/logs"
	defaultLogRetentionDays      = 30
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultDailyLimit            = 25
	defaultBusinessHoursStart    = "06:00"
	defaultBusinessHoursEnd      = "23:00"
	defaultTimezone              = "Local"
	defaultPollInterval          = 60
	defaultRateLimitInterval     = 2
	defaultBatchSize             = 5
	defaultMaxRetries            = 3
	defaultBackoffInitial        = 60
	defaultBackoffMax            = 1800
	defaultRequestTimeout        = 30
	defaultErrorRetryInterval    = 10
	defaultMaxRestarts           = 5
	defaultRestartWindow         = 600
	defaultRestartBackoffInitial = 1
	defaultRestartBackoffMax     = 60
	defaultStopTimeout           = 60
	defaultReconcileInterval     = 300
	defaultStuckThreshold        = 900
	defaultNotifyRequestTimeout  = 10
	defaultPlatformUserAgent     = "storesync/dev"
	defaultMetricsBind           = ""
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Platforms: map[string]Platform{},
		Schedule: Schedule{
			DailyLimit:         defaultDailyLimit,
			BusinessHoursStart: defaultBusinessHoursStart,
			BusinessHoursEnd:   defaultBusinessHoursEnd,
			Timezone:           defaultTimezone,
		},
		Worker: Worker{
			PollInterval:       defaultPollInterval,
			RateLimitInterval:  defaultRateLimitInterval,
			BatchSize:          defaultBatchSize,
			MaxRetries:         defaultMaxRetries,
			BackoffInitial:     defaultBackoffInitial,
			BackoffMax:         defaultBackoffMax,
			RequestTimeout:     defaultRequestTimeout,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Supervisor: Supervisor{
			MaxRestarts:           defaultMaxRestarts,
			RestartWindow:         defaultRestartWindow,
			RestartBackoffInitial: defaultRestartBackoffInitial,
			RestartBackoffMax:     defaultRestartBackoffMax,
			StopTimeout:           defaultStopTimeout,
		},
		Reconciler: Reconciler{
			Interval:       defaultReconcileInterval,
			StuckThreshold: defaultStuckThreshold,
		},
		Notifications: Notifications{
			RequestTimeout:   defaultNotifyRequestTimeout,
			RetriesExhausted: true,
			PermanentFailure: true,
			StuckFailed:      true,
			WorkerAbandoned:  true,
			WorkerRestarted:  false,
			Enqueue:          true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Metrics: Metrics{
			Bind: defaultMetricsBind,
		},
	}
}
