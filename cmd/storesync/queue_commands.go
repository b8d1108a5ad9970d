package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storesync/internal/config"
	"storesync/internal/ipc"
	"storesync/internal/queue"
	"storesync/internal/schedule"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the upload queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueDueCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearSuccessCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueReconcileCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var account string
	var byAccount bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show item counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				if byAccount {
					counts, err := store.AccountStats(cmd.Context())
					if err != nil {
						return err
					}
					if ctx.jsonMode() {
						return writeJSON(out, counts)
					}
					if len(counts) == 0 {
						fmt.Fprintln(out, "Queue is empty")
						return nil
					}
					rows := make([][]string, 0, len(counts))
					for _, c := range counts {
						rows = append(rows, []string{c.AccountID, formatLabel(string(c.Status)), strconv.Itoa(c.Count)})
					}
					fmt.Fprint(out, renderTable([]column{left("Account"), left("Status"), right("Count")}, rows))
					return nil
				}

				stats, err := store.Stats(cmd.Context(), queue.Filter{AccountID: account})
				if err != nil {
					return err
				}
				byName := make(map[string]int, len(stats))
				for status, n := range stats {
					byName[string(status)] = n
				}
				if ctx.jsonMode() {
					return writeJSON(out, byName)
				}
				rows := queueStatusRows(byName)
				if len(rows) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable([]column{left("Status"), right("Count")}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "Only count items for this account")
	cmd.Flags().BoolVar(&byAccount, "by-account", false, "Break counts down per account")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var account string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.Filter{AccountID: account, Limit: limit}
			for _, raw := range statuses {
				status, ok := queue.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				items, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printItems(cmd, ctx, cfg, items)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVarP(&account, "account", "a", "", "Filter by account")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum items to show (0 for all)")
	return cmd
}

func newQueueDueCommand(ctx *commandContext) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List items claimable right now, in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				items, err := store.Due(cmd.Context(), account)
				if err != nil {
					return err
				}
				return printItems(cmd, ctx, cfg, items)
			})
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "Only items for this account")
	return cmd
}

func printItems(cmd *cobra.Command, ctx *commandContext, cfg *config.Config, items []*queue.Item) error {
	out := cmd.OutOrStdout()
	if ctx.jsonMode() {
		return writeJSON(out, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "No matching items")
		return nil
	}
	fmt.Fprint(out, renderTable(queueItemColumns, queueItemRows(items, displayLocation(cfg))))
	return nil
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if errors.Is(err, queue.ErrNotFound) {
					return fmt.Errorf("queue item %d not found", id)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonMode() {
					return writeJSON(out, item)
				}
				loc := displayLocation(cfg)
				fields := [][2]string{
					{"ID", strconv.FormatInt(item.ID, 10)},
					{"Key", item.ExternalKey},
					{"Platform", item.Platform},
					{"Account", item.AccountID},
					{"Status", formatLabel(string(item.Status))},
					{"Priority", strconv.Itoa(item.Priority)},
					{"Scheduled", formatScheduled(item.ScheduledTime, loc)},
					{"Retries", strconv.Itoa(item.RetryCount)},
					{"Listing", firstNonEmpty(item.ListingID, "-")},
					{"Last Error", firstNonEmpty(item.LastError, "-")},
					{"Created", formatTime(item.CreatedAt, loc)},
					{"Updated", formatTime(item.UpdatedAt, loc)},
				}
				for _, f := range fields {
					fmt.Fprintf(out, "%-11s %s\n", f[0]+":", f[1])
				}
				if item.PayloadJSON != "" {
					fmt.Fprintln(out, "Payload:")
					fmt.Fprintln(out, item.PayloadJSON)
				}
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Re-admit failed items on the next in-window day with room under the daily limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseItemID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				slots, err := schedule.SlotterFromConfig(cfg, store)
				if err != nil {
					return err
				}
				failed, err := store.List(cmd.Context(), queue.Filter{Statuses: []queue.Status{queue.StatusFailed}})
				if err != nil {
					return err
				}
				wanted := make(map[int64]bool, len(ids))
				for _, id := range ids {
					wanted[id] = true
				}

				// Items are placed one at a time so each sees the counts
				// left by the previous one.
				var (
					updated int64
					first   time.Time
				)
				now := time.Now()
				for _, item := range failed {
					if len(ids) > 0 && !wanted[item.ID] {
						continue
					}
					at, err := slots.Next(cmd.Context(), item.AccountID, now, item.ScheduledTime)
					if err != nil {
						return err
					}
					n, err := store.RetryFailed(cmd.Context(), at, item.ID)
					if err != nil {
						return err
					}
					if n > 0 && (first.IsZero() || at.Before(first)) {
						first = at
					}
					updated += n
				}

				out := cmd.OutOrStdout()
				if updated == 0 {
					fmt.Fprintln(out, "No failed items to retry")
					return nil
				}
				fmt.Fprintf(out, "Re-admitted %d item(s); first attempt at %s\n", updated, formatTime(first, slots.Window().Location()))
				return nil
			})
		},
	}
}

func newQueueClearSuccessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-success",
		Short: "Delete items that uploaded successfully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				removed, err := store.ClearSuccessful(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d successful item(s)\n", removed)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue database health (schema, integrity, columns)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				health, err := store.CheckHealth(cmd.Context())
				if err != nil && health.Error == "" {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonMode() {
					return writeJSON(out, health)
				}
				fmt.Fprintf(out, "Database path: %s\n", health.DBPath)
				fmt.Fprintf(out, "Database exists: %s\n", yesNo(health.DatabaseExists))
				fmt.Fprintf(out, "Readable: %s\n", yesNo(health.DatabaseReadable))
				fmt.Fprintf(out, "Schema version: %d\n", health.SchemaVersion)
				fmt.Fprintf(out, "queue_items table present: %s\n", yesNo(health.TableExists))
				if len(health.MissingColumns) > 0 {
					missing := append([]string(nil), health.MissingColumns...)
					sort.Strings(missing)
					fmt.Fprintf(out, "Missing columns: %s\n", strings.Join(missing, ", "))
				} else {
					fmt.Fprintln(out, "Missing columns: none")
				}
				fmt.Fprintf(out, "Integrity check: %s\n", yesNo(health.IntegrityCheck))
				fmt.Fprintf(out, "Total items: %d\n", health.TotalItems)
				if health.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", health.Error)
				}
				return nil
			})
		},
	}
}

func newQueueReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Ask the daemon to sweep stuck uploads now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reconcile()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonMode() {
					return writeJSON(out, resp.Summary)
				}
				s := resp.Summary
				fmt.Fprintf(out, "Stuck items: %d (rescheduled %d, failed %d, skipped %d)\n", s.Found, s.Rescheduled, s.Failed, s.Skipped)
				return nil
			})
		},
	}
}

func parseItemID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid queue item id: " + raw)
	}
	return id, nil
}

func displayLocation(cfg *config.Config) *time.Location {
	if cfg == nil {
		return nil
	}
	window, err := schedule.WindowFromConfig(cfg)
	if err != nil {
		return nil
	}
	return window.Location()
}
