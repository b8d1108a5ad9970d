package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"storesync/internal/config"
	"storesync/internal/ipc"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/notifications"
	"storesync/internal/platform"
	"storesync/internal/queue"
	"storesync/internal/supervisor"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel   string
	SocketPath string
}

// Run starts the storesync daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("storesync-%s.log", runID))
	if opts.LogLevel != "" {
		snapshot := *cfg
		snapshot.Logging.Level = opts.LogLevel
		cfg = &snapshot
	}
	logger, err := logging.NewFromConfig(cfg, logPath)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	sessionID := uuid.NewString()
	logger = logger.With(logging.String("session_id", sessionID))

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", config.CurrentLogName, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "storesync-*.log", logPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logging.ErrorWithContext(logger, "open queue store", "queue_open_failed",
			logging.Error(err),
			logging.String("db_path", cfg.QueueDBPath()),
		)
		return err
	}
	defer store.Close()

	registry := platform.NewRegistry(cfg)
	notifier := notifications.NewService(cfg)
	collectors := metrics.New()

	sup, err := supervisor.New(cfg, store, registry,
		supervisor.WithLogger(logger),
		supervisor.WithNotifier(notifier),
		supervisor.WithMetrics(collectors),
	)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	if err := sup.Start(signalCtx); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			return fmt.Errorf("%w (lock %s)", err, cfg.LockPath())
		}
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer sup.Stop()

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, sup, logPath, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if bind := cfg.Metrics.Bind; bind != "" {
		go func() {
			if err := collectors.Serve(signalCtx, bind, logger); err != nil {
				logging.WarnWithContext(logger, "metrics endpoint failed", "metrics_serve_failed",
					logging.String("bind", bind),
					logging.Error(err),
					logging.String(logging.FieldImpact, "prometheus scrapes will fail"),
					logging.String(logging.FieldErrorHint, "check metrics.bind for a port conflict"),
				)
			}
		}()
	}

	logger.Info("storesync daemon running",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.Int("pid", os.Getpid()),
		logging.String("socket", socketPath),
		logging.String("queue_db", cfg.QueueDBPath()),
		logging.Int("accounts", len(sup.Accounts())),
	)

	<-signalCtx.Done()
	logger.Info("storesync daemon shutting down", logging.String(logging.FieldEventType, "daemon_stopping"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, config.CurrentLogName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
