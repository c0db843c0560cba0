package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/cli"
	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/config"
	"github.com/Veraticus/the-ledger-must-balance/internal/engine"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// reconciler is the part of the orchestrator a scheduled job needs.
type reconciler interface {
	Run(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error)
}

// scheduledJob runs one SCHEDULED batch over the lookback window.
type scheduledJob struct {
	reconciler reconciler
	out        io.Writer
	now        func() time.Time
	schedule   config.ScheduleConfig
	defaults   config.RunDefaults
}

// options builds the run options for a job fired at now.
func (j *scheduledJob) options(now time.Time) engine.RunOptions {
	local := now.In(j.schedule.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, j.schedule.Location)
	start := midnight.AddDate(0, 0, -j.schedule.LookbackDays).UTC()

	return engine.RunOptions{
		Type:      model.BatchTypeScheduled,
		Filter:    service.PaymentFilter{StartDate: &start},
		BatchSize: j.defaults.BatchSize,
		Workers:   j.defaults.Workers,
	}
}

func (j *scheduledJob) run(ctx context.Context) error {
	result, err := j.reconciler.Run(ctx, j.options(j.now()))
	if result != nil && result.Batch != nil {
		fmt.Fprintln(j.out, cli.RenderSummary(result.Batch, result.Duration))
	}
	if err != nil {
		return fmt.Errorf("scheduled reconciliation failed: %w", err)
	}
	return nil
}

func scheduleCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled reconciliation batches",
		Long: `Stay in the foreground and start a SCHEDULED batch on the cron
expression in schedule.cron, evaluated in schedule.timezone. Each batch covers
payments from the last schedule.lookback_days days that are not fully
reconciled yet. A batch still running when the next one is due makes the
next one skip.`,
		Example: `  # Nightly at 02:00 (the default schedule)
  balance schedule

  # Run one scheduled batch now and exit
  balance schedule --once`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single scheduled batch immediately and exit")

	return cmd
}

func runSchedule(cmd *cobra.Command, once bool) error {
	ctx := cmd.Context()
	v := viper.GetViper()

	scheduleCfg, err := config.LoadScheduleConfig(v)
	if err != nil {
		return err
	}
	defaults, err := config.LoadRunDefaults(v)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(scheduleCfg.Cron); err != nil {
		return fmt.Errorf("%w: schedule.cron %q: %w", common.ErrInvalidConfig, scheduleCfg.Cron, err)
	}

	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	orchestrator, closePrices, err := newOrchestrator(store)
	if err != nil {
		return err
	}
	defer func() { _ = closePrices() }()

	job := &scheduledJob{
		reconciler: orchestrator,
		out:        cmd.OutOrStdout(),
		now:        time.Now,
		schedule:   scheduleCfg,
		defaults:   defaults,
	}

	if once {
		return job.run(ctx)
	}

	c := cron.New(
		cron.WithLocation(scheduleCfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	entryID, err := c.AddFunc(scheduleCfg.Cron, func() {
		if err := job.run(ctx); err != nil {
			slog.Error("Scheduled reconciliation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("unable to schedule reconciliation: %w", err)
	}

	c.Start()
	slog.Info("Reconciliation scheduled",
		"cron", scheduleCfg.Cron,
		"timezone", scheduleCfg.Location.String(),
		"lookback_days", scheduleCfg.LookbackDays,
		"next_run", c.Entry(entryID).Next)

	<-ctx.Done()
	slog.Info("Stopping scheduler, waiting for a running batch to finish")
	<-c.Stop().Done()
	return nil
}
