package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storesync/internal/config"
	"storesync/internal/daemonctl"
	"storesync/internal/ipc"
	"storesync/internal/schedule"
)

const (
	startWaitTimeout = 10 * time.Second
	stopExtraGrace   = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the storesync daemon and its account workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx), startWaitTimeout)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				fmt.Fprintln(stdout, result.Message)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the storesync daemon after in-flight uploads finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()
			result, err := daemonctl.StopAndTerminate(cfg, ctx.socketPath(), stopGracePeriod(cfg))
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
				fmt.Fprintln(stdout, "Items left uploading will be recovered by the reconciler")
				return nil
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, worker, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), cfg)
			if err != nil {
				return err
			}
			if ctx.jsonMode() {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			renderStatus(cmd.OutOrStdout(), cfg, status, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}

	var restartAccount string
	var restartWorkers bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon, or one account worker with --account",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			if restartAccount != "" || restartWorkers {
				restarted, err := daemonctl.RestartWorkers(ctx.socketPath(), restartAccount)
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					return errors.New("daemon is not running; use `storesync start`")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Restarted workers: %s\n", strings.Join(restarted, ", "))
				return nil
			}

			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			cfg := ctx.configValue()
			result, err := daemonctl.Restart(cfg, ctx.socketPath(), exe, daemonLaunchOptions(ctx), stopGracePeriod(cfg), startWaitTimeout)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill {
					fmt.Fprintf(stdout, "Killed unresponsive daemon (pid %d)\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintln(stdout, "Daemon restarted")
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartAccount, "account", "", "Restart only this account's worker")
	restartCmd.Flags().BoolVar(&restartWorkers, "workers", false, "Restart every worker without restarting the daemon")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func stopGracePeriod(cfg *config.Config) time.Duration {
	if cfg == nil {
		return stopExtraGrace
	}
	return cfg.Supervisor.StopTimeoutDuration() + stopExtraGrace
}

func renderStatus(w io.Writer, cfg *config.Config, status *ipc.StatusResponse, colorize bool) {
	var loc *time.Location
	if cfg != nil {
		if window, err := schedule.WindowFromConfig(cfg); err == nil {
			loc = window.Location()
		}
	}

	renderSectionHeader(w, "System Status", colorize)
	if status.Running {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusOK, "Running (pid "+strconv.Itoa(status.PID)+")", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusWarn, "Not running (run `storesync start`)", colorize))
	}
	if cfg != nil {
		if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
			fmt.Fprintln(w, renderStatusLine("Notifications", statusOK, "Configured", colorize))
		} else {
			fmt.Fprintln(w, renderStatusLine("Notifications", statusWarn, "Not configured", colorize))
		}
		if window, err := schedule.WindowFromConfig(cfg); err == nil {
			fmt.Fprintln(w, renderStatusLine("Upload Window", statusInfo, window.String(), colorize))
		}
	}
	if status.Running {
		rec := status.Reconciler
		detail := "No sweep yet"
		if !rec.At.IsZero() {
			detail = fmt.Sprintf("Last sweep %s: %d found, %d rescheduled, %d failed",
				formatTime(rec.At, loc), rec.Found, rec.Rescheduled, rec.Failed)
		}
		fmt.Fprintln(w, renderStatusLine("Reconciler", statusInfo, detail, colorize))
	}
	fmt.Fprintln(w)

	renderSectionHeader(w, "Workers", colorize)
	if len(status.Workers) == 0 {
		fmt.Fprintln(w, "No active accounts configured")
	} else {
		rows := make([][]string, 0, len(status.Workers))
		for _, ws := range status.Workers {
			state := formatLabel(string(ws.State))
			if ws.Abandoned {
				state = "Abandoned"
			}
			rows = append(rows, []string{
				ws.Account,
				ws.Platform,
				state,
				strconv.Itoa(ws.Uploaded),
				strconv.Itoa(ws.Retried),
				strconv.Itoa(ws.Failed),
				strconv.Itoa(ws.Restarts),
				formatTime(ws.LastUpload, loc),
				truncate(firstNonEmpty(ws.LastError, ws.LastCrash), 40),
			})
		}
		fmt.Fprint(w, renderTable([]column{
			left("Account"), left("Platform"), left("State"),
			right("Uploaded"), right("Retried"), right("Failed"), right("Restarts"),
			left("Last Upload"), left("Last Error"),
		}, rows))
	}
	fmt.Fprintln(w)

	renderSectionHeader(w, "Queue Status", colorize)
	if status.QueueError != "" {
		fmt.Fprintln(w, renderStatusLine("Queue", statusError, status.QueueError, colorize))
		return
	}
	rows := queueStatusRows(status.QueueStats)
	if len(rows) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	fmt.Fprint(w, renderTable([]column{left("Status"), right("Count")}, rows))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{ConfigPath: ctx.configPath()}
	if ctx.socketFlag != nil {
		opts.SocketPath = strings.TrimSpace(*ctx.socketFlag)
	}
	return opts
}
