package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"storesync/internal/daemonctl"
	"storesync/internal/ipc"
	"storesync/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		Long:  "Sends a test notification through the daemon, or directly from the CLI when the daemon is not running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			socket := ctx.socketPath()
			client, err := ipc.Dial(socket)
			if err == nil {
				defer client.Close()
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				if resp == nil {
					return errors.New("missing notification response")
				}
				switch {
				case resp.Message != "":
					fmt.Fprintln(out, resp.Message)
				case resp.Sent:
					fmt.Fprintln(out, "Test notification sent")
				default:
					fmt.Fprintln(out, "Notification not sent")
				}
				return nil
			}
			if !daemonctl.IsDaemonUnavailable(err) {
				return wrapDialError(err, socket)
			}

			cfg, cfgErr := ctx.ensureConfig()
			if cfgErr != nil {
				return cfgErr
			}
			notifier := notifications.NewService(cfg)
			if _, ok := notifier.(notifications.NoopService); ok {
				fmt.Fprintln(out, "notifications disabled (set notifications.ntfy_topic)")
				return nil
			}
			if err := notifier.Publish(context.Background(), notifications.EventTest, notifications.Payload{"source": "cli"}); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(out, "Test notification sent (daemon not running)")
			return nil
		},
	}
}
