package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/config"
	customerdomain "github.com/smallbiznis/propbill/internal/customer/domain"
	customerrepo "github.com/smallbiznis/propbill/internal/customer/repository"
	customerservice "github.com/smallbiznis/propbill/internal/customer/service"
	invoicedomain "github.com/smallbiznis/propbill/internal/invoice/domain"
	"github.com/smallbiznis/propbill/internal/invoice/numbering"
	invoicerepo "github.com/smallbiznis/propbill/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/propbill/internal/invoice/service"
	"github.com/smallbiznis/propbill/internal/lease"
	obsmetrics "github.com/smallbiznis/propbill/internal/observability/metrics"
	propertydomain "github.com/smallbiznis/propbill/internal/property/domain"
	propertyrepo "github.com/smallbiznis/propbill/internal/property/repository"
	propertyservice "github.com/smallbiznis/propbill/internal/property/service"
	recurringdomain "github.com/smallbiznis/propbill/internal/recurring/domain"
	recurringrepo "github.com/smallbiznis/propbill/internal/recurring/repository"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	recurringservice "github.com/smallbiznis/propbill/internal/recurring/service"
	schedtesting "github.com/smallbiznis/propbill/internal/scheduler/testing"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	clock        *clock.FakeClock
	node         *snowflake.Node
	invoiceSvc   invoicedomain.Service
	invoiceRepo  invoicedomain.Repository
	templateSvc  recurringdomain.Service
	templateRepo recurringdomain.Repository
	recurring    *RecurringBillingJob
	sweeper      *OverdueSweeper
	accel        *schedtesting.TimeAccelerator
	registry     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))

	conn := dbtest.Open(t,
		&customerdomain.Customer{},
		&propertydomain.Property{},
		&propertydomain.ServiceHistory{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&numbering.Sequence{},
		&recurringdomain.Template{},
	)
	fake := clock.NewFakeClock(time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	now := fake.Now()
	custRepo := customerrepo.Provide()
	require.NoError(t, custRepo.Insert(ctx, conn, &customerdomain.Customer{ID: 1, Name: "Harbor View HOA", Email: "billing@harborview.test", CreatedAt: now, UpdatedAt: now}))
	propRepo := propertyrepo.Provide()
	require.NoError(t, propRepo.Insert(ctx, conn, &propertydomain.Property{ID: 10, CustomerID: 1, Name: "Building A", CreatedAt: now, UpdatedAt: now}))

	customerSvc := customerservice.New(customerservice.Params{DB: conn, Log: log, Repo: custRepo})
	billingCfg := config.StaticBillingConfig(config.DefaultBillingConfig())

	invRepo := invoicerepo.Provide()
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:            conn,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		Repo:          invRepo,
		Allocator:     numbering.NewAllocator(numbering.Params{DB: conn, Log: log, Clock: fake}),
		CustomerSvc:   customerSvc,
		PropertyRepo:  propRepo,
		BillingConfig: billingCfg,
	})

	tplRepo := recurringrepo.Provide()
	templateSvc := recurringservice.New(recurringservice.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Repo:        tplRepo,
		CustomerSvc: customerSvc,
		PropertySvc: propertyservice.New(propertyservice.Params{DB: conn, Log: log, Repo: propRepo}),
	})

	return &fixture{
		db:           conn,
		clock:        fake,
		node:         node,
		invoiceSvc:   invoiceSvc,
		invoiceRepo:  invRepo,
		templateSvc:  templateSvc,
		templateRepo: tplRepo,
		recurring: NewRecurringBillingJob(RecurringBillingParams{
			DB:            conn,
			Log:           log,
			Clock:         fake,
			InvoiceSvc:    invoiceSvc,
			TemplateRepo:  tplRepo,
			BillingConfig: billingCfg,
			Config:        Config{BatchSize: 3},
		}),
		sweeper: NewOverdueSweeper(OverdueSweepParams{
			DB:            conn,
			Log:           log,
			Clock:         fake,
			InvoiceRepo:   invRepo,
			BillingConfig: config.StaticBillingConfig(config.BillingConfig{PaymentTermDays: 30, NumberAttempts: 3, SweepBatchSize: 2}),
		}),
		accel:    schedtesting.NewTimeAccelerator(conn),
		registry: registry,
	}
}

func (f *fixture) scheduler(t *testing.T, locker *lease.Locker) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:       zap.NewNop(),
		GenID:     f.node,
		Clock:     f.clock,
		Recurring: f.recurring,
		Sweeper:   f.sweeper,
		Locker:    locker,
	})
	require.NoError(t, err)
	return s
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func maintenanceTemplate() recurringdomain.CreateTemplateRequest {
	propertyID := snowflake.ID(10)
	return recurringdomain.CreateTemplateRequest{
		CustomerID:   1,
		PropertyID:   &propertyID,
		TemplateName: "Building A maintenance",
		Frequency:    schedule.FrequencyMonthly,
		StartDate:    date(2024, 2, 1),
		TaxRate:      decimal.RequireFromString("8.25"),
		Blueprint: recurringdomain.InvoiceBlueprint{
			LineItems: []recurringdomain.BlueprintLineItem{
				{Description: "Monthly maintenance", Quantity: dec("1"), UnitPrice: dec("150.00")},
			},
		},
	}
}

func (f *fixture) invoicesFor(t *testing.T, templateID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Where("recurring_template_id = ?", templateID).Count(&count).Error)
	return count
}

func (f *fixture) reloadTemplate(t *testing.T, id snowflake.ID) *recurringdomain.Template {
	t.Helper()
	tpl, err := f.templateRepo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, tpl)
	return tpl
}

func TestRecurringBillingIssuesInvoiceAndAdvancesTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, err := f.templateSvc.Create(ctx, maintenanceTemplate())
	require.NoError(t, err)

	report, err := f.recurring.Run(ctx, date(2024, 2, 1))
	require.NoError(t, err)
	require.NoError(t, report.Err())
	succeeded := report.Succeeded()
	require.Len(t, succeeded, 1)
	assert.Equal(t, "INV-2024-0001", succeeded[tpl.ID])

	detail, err := f.invoiceSvc.GetByID(ctx, report.Results[0].InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, detail.Invoice.Status)
	assert.Equal(t, "150.00", detail.Totals.Subtotal.StringFixed(2))
	assert.Equal(t, "12.38", detail.Totals.TaxAmount.StringFixed(2))
	assert.Equal(t, "162.38", detail.Totals.GrandTotal.StringFixed(2))
	assert.Equal(t, "2024-02-01", detail.Invoice.InvoiceDate.Format(time.DateOnly))
	assert.Equal(t, "2024-03-02", detail.Invoice.DueDate.Format(time.DateOnly))
	require.NotNil(t, detail.Invoice.RecurringTemplateID)
	assert.Equal(t, tpl.ID, *detail.Invoice.RecurringTemplateID)
	require.NotNil(t, detail.Invoice.PropertyID)
	assert.Equal(t, snowflake.ID(10), *detail.Invoice.PropertyID)

	reloaded := f.reloadTemplate(t, tpl.ID)
	require.NotNil(t, reloaded.NextRunDate)
	assert.Equal(t, "2024-03-01", reloaded.NextRunDate.Format(time.DateOnly))
	assert.Equal(t, 1, reloaded.CompletedOccurrences)
	assert.True(t, reloaded.IsActive)

	again, err := f.recurring.Run(ctx, date(2024, 2, 1))
	require.NoError(t, err)
	assert.Empty(t, again.Results)
	assert.Equal(t, int64(1), f.invoicesFor(t, tpl.ID))
}

func TestRecurringBillingStopsAfterOccurrenceCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := maintenanceTemplate()
	occurrences := 3
	req.Occurrences = &occurrences
	tpl, err := f.templateSvc.Create(ctx, req)
	require.NoError(t, err)

	for _, asOf := range []time.Time{date(2024, 2, 1), date(2024, 3, 1), date(2024, 4, 1), date(2024, 5, 1), date(2024, 6, 1)} {
		report, err := f.recurring.Run(ctx, asOf)
		require.NoError(t, err)
		require.NoError(t, report.Err())
	}

	assert.Equal(t, int64(3), f.invoicesFor(t, tpl.ID))
	reloaded := f.reloadTemplate(t, tpl.ID)
	assert.False(t, reloaded.IsActive)
	assert.Nil(t, reloaded.NextRunDate)
	assert.Equal(t, 3, reloaded.CompletedOccurrences)
}

func TestRecurringBillingRetiresPastEndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := maintenanceTemplate()
	end := date(2024, 2, 15)
	req.EndDate = &end
	tpl, err := f.templateSvc.Create(ctx, req)
	require.NoError(t, err)

	report, err := f.recurring.Run(ctx, date(2024, 2, 20))
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{tpl.ID}, report.Retired())
	assert.Empty(t, report.Succeeded())

	assert.Equal(t, int64(0), f.invoicesFor(t, tpl.ID))
	reloaded := f.reloadTemplate(t, tpl.ID)
	assert.False(t, reloaded.IsActive)
	assert.Nil(t, reloaded.NextRunDate)
}

func TestRecurringBillingRetiresWhenNextRunPassesEndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := maintenanceTemplate()
	end := date(2024, 2, 15)
	req.EndDate = &end
	tpl, err := f.templateSvc.Create(ctx, req)
	require.NoError(t, err)

	report, err := f.recurring.Run(ctx, date(2024, 2, 1))
	require.NoError(t, err)
	require.Len(t, report.Succeeded(), 1)

	reloaded := f.reloadTemplate(t, tpl.ID)
	assert.False(t, reloaded.IsActive)
	assert.Nil(t, reloaded.NextRunDate)
	assert.Equal(t, 1, reloaded.CompletedOccurrences)
}

func TestRecurringBillingIsolatesTemplateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]snowflake.ID, 0, 10)
	for i := 0; i < 10; i++ {
		tpl, err := f.templateSvc.Create(ctx, maintenanceTemplate())
		require.NoError(t, err)
		ids = append(ids, tpl.ID)
	}
	broken := ids[4]
	require.NoError(t, f.accel.ReplaceBlueprint(ctx, broken, `{"line_items":[{"description":"Broken","quantity":"1"}]}`))

	report, err := f.recurring.Run(ctx, date(2024, 2, 1))
	require.NoError(t, err)
	require.Len(t, report.Results, 10)

	succeeded := report.Succeeded()
	assert.Len(t, succeeded, 9)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[broken], recurringdomain.ErrInvalidBlueprint)

	numbers := map[string]bool{}
	for _, number := range succeeded {
		numbers[number] = true
	}
	assert.Len(t, numbers, 9)

	batchErr := report.Err()
	require.Error(t, batchErr)
	assert.Equal(t, apperr.KindPartialBatchFailure, apperr.KindOf(batchErr))

	untouched := f.reloadTemplate(t, broken)
	require.NotNil(t, untouched.NextRunDate)
	assert.Equal(t, "2024-02-01", untouched.NextRunDate.Format(time.DateOnly))
	assert.Equal(t, 0, untouched.CompletedOccurrences)
	assert.True(t, untouched.IsActive)
	assert.Equal(t, int64(0), f.invoicesFor(t, broken))
}

func TestOverdueSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issue := func(status invoicedomain.InvoiceStatus, due time.Time) snowflake.ID {
		detail, err := f.invoiceSvc.Create(ctx, invoicedomain.CreateInvoiceRequest{
			CustomerID:  1,
			InvoiceDate: date(2024, 1, 1),
			DueDate:     due,
			TaxRate:     decimal.Zero,
			Status:      status,
			LineItems: []invoicedomain.LineItemInput{
				{Description: "Gutter cleaning", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("80.00")},
			},
		})
		require.NoError(t, err)
		return detail.Invoice.ID
	}

	late := []snowflake.ID{
		issue("", date(2024, 1, 10)),
		issue("", date(2024, 1, 11)),
		issue("", date(2024, 1, 12)),
	}
	dueToday := issue("", date(2024, 1, 20))
	draft := issue(invoicedomain.InvoiceStatusDraft, date(2024, 1, 10))
	paid := issue("", date(2024, 1, 10))
	_, err := f.invoiceSvc.MarkAsPaid(ctx, paid)
	require.NoError(t, err)

	swept, err := f.sweeper.Run(ctx, date(2024, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)

	again, err := f.sweeper.Run(ctx, date(2024, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(0), again)

	status := func(id snowflake.ID) invoicedomain.InvoiceStatus {
		detail, err := f.invoiceSvc.GetByID(ctx, id)
		require.NoError(t, err)
		return detail.Invoice.Status
	}
	for _, id := range late {
		assert.Equal(t, invoicedomain.InvoiceStatusOverdue, status(id))
	}
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, status(dueToday))
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, status(draft))
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, status(paid))

	require.NoError(t, f.accel.BackdateInvoiceDue(ctx, dueToday, date(2024, 1, 19)))
	swept, err = f.sweeper.Run(ctx, date(2024, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, status(dueToday))
}

func TestRunOnceRunsBillingThenSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, err := f.templateSvc.Create(ctx, maintenanceTemplate())
	require.NoError(t, err)
	_, err = f.accel.MakeAllTemplatesDue(ctx, date(2024, 1, 20))
	require.NoError(t, err)

	old, err := f.invoiceSvc.Create(ctx, invoicedomain.CreateInvoiceRequest{
		CustomerID:  1,
		InvoiceDate: date(2023, 12, 1),
		DueDate:     date(2023, 12, 31),
		TaxRate:     decimal.Zero,
		LineItems: []invoicedomain.LineItemInput{
			{Description: "Snow removal", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("45.00")},
		},
	})
	require.NoError(t, err)

	s := f.scheduler(t, nil)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, int64(1), f.invoicesFor(t, tpl.ID))
	reloaded, err := f.invoiceSvc.GetByID(ctx, old.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, reloaded.Invoice.Status)

	assert.Equal(t, float64(1), getCounterValue(t, f.registry, "propbill_scheduler_job_runs_total", map[string]string{
		"service": "propbill",
		"env":     "unknown",
		"job":     JobRecurringBilling,
	}))
}

func TestRunJobSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lease.NewLocker(client, "propbill")

	tpl, err := f.templateSvc.Create(ctx, maintenanceTemplate())
	require.NoError(t, err)

	asOf := date(2024, 2, 1)
	other, ok, err := locker.TryAcquire(ctx, locker.JobKey(JobRecurringBilling, asOf), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := f.scheduler(t, locker)
	require.NoError(t, s.RunJob(ctx, JobRecurringBilling, asOf))
	assert.Equal(t, int64(0), f.invoicesFor(t, tpl.ID))
	assert.Equal(t, float64(1), getCounterValue(t, f.registry, "propbill_scheduler_job_skipped_total", map[string]string{
		"service": "propbill",
		"env":     "unknown",
		"job":     JobRecurringBilling,
	}))

	require.NoError(t, other.Release(ctx))
	require.NoError(t, s.RunJob(ctx, JobRecurringBilling, asOf))
	assert.Equal(t, int64(1), f.invoicesFor(t, tpl.ID))
	assert.False(t, mr.Exists(locker.JobKey(JobRecurringBilling, asOf)))
}

func TestRunJobRejectsUnknownJob(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, nil)
	err := s.RunJob(context.Background(), "reconcile", date(2024, 2, 1))
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{" Overdue_Sweep "}}}
	assert.True(t, s.isJobEnabled(JobOverdueSweep))
	assert.False(t, s.isJobEnabled(JobRecurringBilling))

	s.cfg.EnabledJobs = nil
	assert.True(t, s.isJobEnabled(JobRecurringBilling))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.BillingWithConfig(obsmetrics.Config{
		ServiceName: "propbill",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", date(2024, 2, 1), 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "propbill",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "propbill_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "propbill",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.JobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "propbill_scheduler_job_errors_total", errorLabels))
}

func TestRunJobCancellationIsNotCountedAsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.BillingWithConfig(obsmetrics.Config{
		ServiceName: "propbill",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	parent, cancel := context.WithCancel(context.Background())
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(parent, "canceled_job", date(2024, 2, 1), 0, time.Minute, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "propbill",
		"env":     "test",
		"job":     "canceled_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "propbill_scheduler_job_runs_total", labels))

	_, found := findCounterValue(t, registry, "propbill_scheduler_job_timeouts_total", labels)
	assert.False(t, found, "cancellation must not count as a timeout")

	for _, reason := range []string{obsmetrics.JobReasonDeadlineExceeded, obsmetrics.JobReasonCanceled} {
		errorLabels := map[string]string{
			"service": "propbill",
			"env":     "test",
			"job":     "canceled_job",
			"reason":  reason,
		}
		_, found := findCounterValue(t, registry, "propbill_scheduler_job_errors_total", errorLabels)
		assert.False(t, found, reason)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	obsmetrics.ResetBillingMetricsForTest()
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetBillingMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	value, found := findCounterValue(t, registry, name, labels)
	if !found {
		t.Fatalf("metric %s with labels %v not found", name, labels)
	}
	return value
}

func findCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
