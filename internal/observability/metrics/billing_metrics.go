package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonCanceled             = "canceled"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonValidation           = "validation"
	JobReasonConflict             = "conflict"
	JobReasonNotFound             = "not_found"
	JobReasonPartialBatchFailure  = "partial_batch_failure"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	TemplateOutcomeInvoiced = "invoiced"
	TemplateOutcomeRetired  = "retired"
	TemplateOutcomeFailed   = "failed"
)

const (
	LockResourceRecurringTemplate = "recurring_template"
	LockResourceInvoice           = "invoice"
)

// BillingMetrics captures scheduler and billing health signals.
type BillingMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	jobSkipped       *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	templateOutcomes *prometheus.CounterVec
	invoicesSwept    prometheus.Counter
	numberConflicts  prometheus.Counter
	dbLockWait       *prometheus.HistogramVec
	outcomeCounters  map[string]prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName(cfg.ServiceName),
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "propbill_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_scheduler_job_timeouts_total",
		Help:        "Scheduler job runs cut short by the job timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_scheduler_job_skipped_total",
		Help:        "Scheduler job runs skipped because another process holds the lease.",
		ConstLabels: constLabels,
	}, []string{"job"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_scheduler_batch_processed_total",
		Help:        "Items processed by scheduler jobs.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "propbill_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	templateOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "propbill_recurring_templates_total",
		Help:        "Recurring templates handled by the billing job, by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	invoicesSwept := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "propbill_invoices_swept_total",
		Help:        "Invoices moved from UNPAID to OVERDUE.",
		ConstLabels: constLabels,
	})
	numberConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "propbill_invoice_number_conflicts_total",
		Help:        "Invoice inserts rejected for a duplicate number and retried.",
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "propbill_db_lock_wait_seconds",
		Help:        "Time spent acquiring row locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		jobSkipped,
		batchProcessed,
		runLoopLag,
		templateOutcomes,
		invoicesSwept,
		numberConflicts,
		dbLockWait,
	)

	outcomeCounters := map[string]prometheus.Counter{}
	for _, outcome := range []string{TemplateOutcomeInvoiced, TemplateOutcomeRetired, TemplateOutcomeFailed} {
		outcomeCounters[outcome] = templateOutcomes.WithLabelValues(outcome)
	}

	return &BillingMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		jobSkipped:       jobSkipped,
		batchProcessed:   batchProcessed,
		runLoopLag:       runLoopLag,
		templateOutcomes: templateOutcomes,
		invoicesSwept:    invoicesSwept,
		numberConflicts:  numberConflicts,
		dbLockWait:       dbLockWait,
		outcomeCounters:  outcomeCounters,
	}
}

func (m *BillingMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *BillingMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with a classified reason.
func (m *BillingMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *BillingMetrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *BillingMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *BillingMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *BillingMetrics) IncTemplateOutcome(outcome string) {
	if m == nil {
		return
	}
	if counter, ok := m.outcomeCounters[outcome]; ok {
		counter.Inc()
		return
	}
	m.templateOutcomes.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) AddInvoicesSwept(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.invoicesSwept.Add(float64(count))
}

func (m *BillingMetrics) IncNumberConflict() {
	if m == nil {
		return
	}
	m.numberConflicts.Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *BillingMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return JobReasonDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return JobReasonCanceled
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	switch apperr.KindOf(err) {
	case apperr.KindPartialBatchFailure:
		return JobReasonPartialBatchFailure
	case apperr.KindValidation:
		return JobReasonValidation
	case apperr.KindConflict:
		return JobReasonConflict
	case apperr.KindNotFound:
		return JobReasonNotFound
	case apperr.KindPersistence:
		return JobReasonDB
	}
	return JobReasonUnknown
}

// IsRetryable reports whether a job error is worth retrying on the next tick
// without operator action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyJobReason(err) {
	case JobReasonDeadlineExceeded, JobReasonDBLockTimeout, JobReasonSerializationFailure, JobReasonDB, JobReasonConflict:
		return true
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
