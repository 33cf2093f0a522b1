package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smallbiznis/propbill/internal/bootstrap"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/migration"
	"github.com/smallbiznis/propbill/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const startStopTimeout = 30 * time.Second

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "propbill",
		Short:         "Recurring billing and invoice lifecycle for property services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCommand(), newRunCommand(), newWorkerCommand())
	return root
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				bootstrap.Infrastructure(),
				migration.Module,
				fx.NopLogger,
			)
			return startStop(cmd.Context(), app, nil)
		},
	}
}

type runOptions struct {
	job  string
	asOf string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduler jobs once, for use from cron",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var asOf time.Time
			if opts.asOf != "" {
				parsed, err := clock.ParseDate(opts.asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				asOf = parsed
			}

			var sched *scheduler.Scheduler
			var c clock.Clock
			app := fx.New(
				bootstrap.Infrastructure(),
				bootstrap.Billing(),
				fx.Populate(&sched, &c),
				fx.NopLogger,
			)
			return startStop(cmd.Context(), app, func(ctx context.Context) error {
				if asOf.IsZero() {
					asOf = clock.Today(c)
				}
				if opts.job == "" {
					return sched.RunAll(ctx, asOf)
				}
				return sched.RunJob(ctx, opts.job, asOf)
			})
		},
	}
	cmd.Flags().StringVar(&opts.job, "job", "", "job to run (recurring_billing, overdue_sweep); all when empty")
	cmd.Flags().StringVar(&opts.asOf, "as-of", "", "billing date as YYYY-MM-DD; today when empty")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				bootstrap.Infrastructure(),
				migration.Module,
				bootstrap.Billing(),
				bootstrap.MetricsServer,
				scheduler.LoopModule,
			)
			return startStop(cmd.Context(), app, func(ctx context.Context) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-ctx.Done()
				return nil
			})
		},
	}
}

// startStop starts app, runs fn if given, then stops app.
func startStop(parent context.Context, app *fx.App, fn func(ctx context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(parent, startStopTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var runErr error
	if fn != nil {
		runErr = fn(parent)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), startStopTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
