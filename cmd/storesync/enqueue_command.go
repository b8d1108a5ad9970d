package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storesync/internal/catalog"
	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/notifications"
	"storesync/internal/queue"
	"storesync/internal/schedule"
)

type enqueueOptions struct {
	dryRun     bool
	startDate  string
	dailyLimit int
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue [catalog.json]",
		Short: "Schedule catalog entries and pending items across the upload window",
		Long: "Reads pending entries from a catalog export, assigns each an account and an\n" +
			"upload time inside the business-hours window without exceeding the daily\n" +
			"limit, and stores them in the queue. Without a catalog file only items\n" +
			"already queued as pending are scheduled.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var catalogPath string
				if len(args) == 1 {
					catalogPath = args[0]
				}
				return runEnqueue(cmd.Context(), cmd.OutOrStdout(), ctx.jsonMode(), cfg, store, catalogPath, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Preview per account/day counts without writing")
	cmd.Flags().StringVar(&opts.startDate, "start-date", "", "First day to schedule (YYYY-MM-DD, window timezone; default now)")
	cmd.Flags().IntVar(&opts.dailyLimit, "daily-limit", 0, "Override schedule.daily_limit for this run")
	return cmd
}

type enqueueReport struct {
	DryRun  bool        `json:"dry_run"`
	Start   time.Time   `json:"start"`
	Limit   int         `json:"daily_limit"`
	Days    []dayJSON   `json:"days"`
	Skipped []skipJSON  `json:"skipped"`
	Result  *resultJSON `json:"result,omitempty"`
}

type dayJSON struct {
	Account string    `json:"account"`
	Day     string    `json:"day"`
	Count   int       `json:"count"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

type skipJSON struct {
	Key      string `json:"key"`
	Platform string `json:"platform,omitempty"`
	Account  string `json:"account,omitempty"`
	Reason   string `json:"reason"`
}

type resultJSON struct {
	Inserted   int `json:"inserted"`
	Scheduled  int `json:"scheduled"`
	Unchanged  int `json:"unchanged"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

func newEnqueueReport(plan *schedule.Plan, rejected []catalog.Rejected, dryRun bool) enqueueReport {
	report := enqueueReport{
		DryRun:  dryRun,
		Start:   plan.Start,
		Limit:   plan.DailyLimit,
		Days:    []dayJSON{},
		Skipped: []skipJSON{},
	}
	for _, d := range plan.Preview() {
		report.Days = append(report.Days, dayJSON{Account: d.AccountID, Day: d.Day, Count: d.Count, First: d.First, Last: d.Last})
	}
	for _, r := range rejected {
		report.Skipped = append(report.Skipped, skipJSON{Key: r.Key, Reason: r.Reason})
	}
	for _, s := range plan.Skipped {
		report.Skipped = append(report.Skipped, skipJSON{Key: s.ExternalKey, Platform: s.Platform, Account: s.AccountID, Reason: s.Reason})
	}
	return report
}

func runEnqueue(ctx context.Context, out io.Writer, asJSON bool, cfg *config.Config, store *queue.Store, catalogPath string, opts enqueueOptions) error {
	logger, err := logging.New(logging.Options{
		Level:            "warn",
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		return err
	}
	sched, err := schedule.New(cfg, store, logger)
	if err != nil {
		return err
	}

	req := schedule.Request{DailyLimit: opts.dailyLimit}
	if strings.TrimSpace(opts.startDate) != "" {
		start, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(opts.startDate), sched.Window().Location())
		if err != nil {
			return fmt.Errorf("invalid --start-date %q: want YYYY-MM-DD", opts.startDate)
		}
		if now := time.Now(); start.Before(now) {
			start = now
		}
		req.Start = start
	}

	var rejected []catalog.Rejected
	if catalogPath != "" {
		var provider catalog.Provider = catalog.NewFileSource(catalogPath)
		req.Candidates, rejected, err = provider.Pending(ctx)
		if err != nil {
			return err
		}
	}

	var report enqueueReport
	if opts.dryRun {
		plan, _, err := sched.Preview(ctx, req)
		if err != nil {
			return err
		}
		report = newEnqueueReport(plan, rejected, true)
	} else {
		plan, result, err := sched.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		report = newEnqueueReport(plan, rejected, false)
		report.Result = &resultJSON{
			Inserted:   result.Inserted,
			Scheduled:  result.Scheduled,
			Unchanged:  result.Unchanged,
			Duplicates: result.Duplicates,
			Skipped:    result.Skipped,
		}
		if result.Inserted > 0 || result.Scheduled > 0 {
			notifier := notifications.NewService(cfg)
			if err := notifier.Publish(ctx, notifications.EventEnqueueSummary, notifications.Payload{
				"inserted": result.Inserted + result.Scheduled,
				"skipped":  result.Skipped + result.Duplicates + len(rejected),
			}); err != nil {
				logging.WarnWithContext(logger, "enqueue notification failed", "notification_failed", logging.Error(err))
			}
		}
	}

	if asJSON {
		return writeJSON(out, report)
	}
	renderEnqueueReport(out, report, sched.Window().Location())
	return nil
}

func renderEnqueueReport(w io.Writer, report enqueueReport, loc *time.Location) {
	if len(report.Days) == 0 {
		fmt.Fprintln(w, "Nothing to schedule")
	} else {
		rows := make([][]string, 0, len(report.Days))
		total := 0
		for _, d := range report.Days {
			total += d.Count
			rows = append(rows, []string{
				d.Account,
				d.Day,
				strconv.Itoa(d.Count),
				d.First.In(loc).Format("15:04:05"),
				d.Last.In(loc).Format("15:04:05"),
			})
		}
		fmt.Fprint(w, renderTable([]column{left("Account"), left("Day"), right("Items"), left("First"), left("Last")}, rows))
		fmt.Fprintf(w, "%d item(s), daily limit %d\n", total, report.Limit)
	}

	if len(report.Skipped) > 0 {
		rows := make([][]string, 0, len(report.Skipped))
		for _, s := range report.Skipped {
			rows = append(rows, []string{s.Key, s.Platform, s.Account, s.Reason})
		}
		fmt.Fprintln(w, "Skipped:")
		fmt.Fprint(w, renderTable([]column{left("Key").truncate(32), left("Platform"), left("Account"), left("Reason")}, rows))
	}

	if report.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was written")
		return
	}
	if r := report.Result; r != nil {
		fmt.Fprintf(w, "Inserted %d, scheduled %d pending, %d unchanged, %d duplicate(s)\n",
			r.Inserted, r.Scheduled, r.Unchanged, r.Duplicates)
	}
}
