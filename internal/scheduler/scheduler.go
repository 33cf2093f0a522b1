package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/lease"
	obsmetrics "github.com/smallbiznis/propbill/internal/observability/metrics"
	"github.com/smallbiznis/propbill/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrUnknownJob    = errors.New("unknown_scheduler_job")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Recurring *RecurringBillingJob
	Sweeper   *OverdueSweeper
	Locker    *lease.Locker `optional:"true"`
	Config    Config        `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	recurring *RecurringBillingJob
	sweeper   *OverdueSweeper
	locker    *lease.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Recurring == nil || p.Sweeper == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		recurring: p.Recurring,
		sweeper:   p.Sweeper,
		locker:    p.Locker,
	}, nil
}

// runJob wraps fn with a soft timeout, a span, metrics and start/finish logs.
// A timeout is recorded but not returned; the next tick picks up the rest.
// A canceled parent is logged only.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	asOf time.Time,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, asOf, batchSize)
	ctx, span := tracing.Tracer().Start(ctx, "scheduler."+name, trace.WithAttributes(
		attribute.String("scheduler.job", name),
		attribute.String("scheduler.run_id", run.runID),
		attribute.String("scheduler.as_of", dateString(asOf)),
	))
	defer span.End()

	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx)
	metrics := obsmetrics.Billing()
	metrics.IncJobRun(name)

	err := fn(ctx)
	metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Parent canceled: shutdown.
	if errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Info("scheduler.job.canceled", zap.Error(err))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.IncJobError(name, err)

	if errors.Is(err, context.DeadlineExceeded) {
		metrics.IncJobTimeout(name)
		log.Warn("scheduler.job.timeout",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job for today.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.RunAll(parent, clock.Today(s.clock))
}

// RunAll runs every enabled job for asOf, billing before the overdue sweep.
func (s *Scheduler) RunAll(parent context.Context, asOf time.Time) error {
	var err error
	for _, name := range []string{JobRecurringBilling, JobOverdueSweep} {
		if !s.isJobEnabled(name) {
			continue
		}
		err = errors.Join(err, s.RunJob(parent, name, asOf))
	}
	return err
}

// RunJob runs one job for asOf under the job's lease. When another process
// holds the lease the run is skipped.
func (s *Scheduler) RunJob(ctx context.Context, name string, asOf time.Time) error {
	asOf = clock.Date(asOf)

	var fn func(ctx context.Context) error
	switch name {
	case JobRecurringBilling:
		fn = func(ctx context.Context) error {
			report, err := s.recurring.Run(ctx, asOf)
			if err != nil {
				return err
			}
			return report.Err()
		}
	case JobOverdueSweep:
		fn = func(ctx context.Context) error {
			_, err := s.sweeper.Run(ctx, asOf)
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	key := s.locker.JobKey(name, asOf)
	held, ok, err := s.locker.TryAcquire(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		s.logSchedulerError(ctx, "scheduler.lease.failed", name, err, zap.String("lease_key", key))
		return fmt.Errorf("%s: acquire lease: %w", name, err)
	}
	if !ok {
		obsmetrics.Billing().IncJobSkipped(name)
		s.log.Info("scheduler.job.skipped",
			zap.String("job", name),
			zap.String("lease_key", key),
		)
		return nil
	}
	defer func() {
		if err := held.Release(context.Background()); err != nil {
			s.logSchedulerError(ctx, "scheduler.lease.release_failed", name, err, zap.String("lease_key", key))
		}
	}()

	return s.runJob(ctx, name, asOf, s.cfg.BatchSize, s.cfg.JobTimeout, fn)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	metrics := obsmetrics.Billing()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
