package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/config"
	invoicedomain "github.com/smallbiznis/propbill/internal/invoice/domain"
	"github.com/smallbiznis/propbill/internal/money"
	obscontext "github.com/smallbiznis/propbill/internal/observability/context"
	obslogger "github.com/smallbiznis/propbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/propbill/internal/observability/metrics"
	recurringdomain "github.com/smallbiznis/propbill/internal/recurring/domain"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"github.com/smallbiznis/propbill/internal/scheduler/guard"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TemplateResult is the outcome of one template in a billing run.
type TemplateResult struct {
	TemplateID    snowflake.ID
	Outcome       string
	InvoiceID     snowflake.ID
	InvoiceNumber string
	Err           error
}

// BatchReport lists every template a run attempted.
type BatchReport struct {
	AsOf    time.Time
	Results []TemplateResult
}

// Succeeded maps template id to the number of the invoice it produced.
func (r BatchReport) Succeeded() map[snowflake.ID]string {
	out := make(map[snowflake.ID]string)
	for _, res := range r.Results {
		if res.Outcome == obsmetrics.TemplateOutcomeInvoiced {
			out[res.TemplateID] = res.InvoiceNumber
		}
	}
	return out
}

func (r BatchReport) Failed() map[snowflake.ID]error {
	out := make(map[snowflake.ID]error)
	for _, res := range r.Results {
		if res.Outcome == obsmetrics.TemplateOutcomeFailed {
			out[res.TemplateID] = res.Err
		}
	}
	return out
}

// Retired lists templates retired without an invoice.
func (r BatchReport) Retired() []snowflake.ID {
	var out []snowflake.ID
	for _, res := range r.Results {
		if res.Outcome == obsmetrics.TemplateOutcomeRetired {
			out = append(out, res.TemplateID)
		}
	}
	return out
}

// Err is nil when every template succeeded or retired. Otherwise it is a
// partial batch failure joining the per-template errors.
func (r BatchReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome == obsmetrics.TemplateOutcomeFailed {
			errs = append(errs, fmt.Errorf("template %s: %w", res.TemplateID, res.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &apperr.Error{
		Kind: apperr.KindPartialBatchFailure,
		Code: "partial_batch_failure",
		Op:   "recurring_billing.run",
		Err:  fmt.Errorf("%d of %d templates failed: %w", len(errs), len(r.Results), errors.Join(errs...)),
	}
}

type RecurringBillingParams struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	InvoiceSvc    invoicedomain.Service
	TemplateRepo  recurringdomain.Repository
	BillingConfig *config.BillingConfigHolder `optional:"true"`
	Config        Config                      `optional:"true"`
}

// RecurringBillingJob turns due templates into invoices. Each template is its
// own unit of work; one failing template never stops the others.
type RecurringBillingJob struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	invoiceSvc   invoicedomain.Service
	templateRepo recurringdomain.Repository
	billingCfg   *config.BillingConfigHolder
	batchSize    int
}

func NewRecurringBillingJob(p RecurringBillingParams) *RecurringBillingJob {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &RecurringBillingJob{
		db:           p.DB,
		log:          p.Log.Named("recurring_billing"),
		clock:        c,
		invoiceSvc:   p.InvoiceSvc,
		templateRepo: p.TemplateRepo,
		billingCfg:   p.BillingConfig,
		batchSize:    p.Config.withDefaults().BatchSize,
	}
}

// Run processes every active template with next_run_date <= asOf once. The
// returned error is reserved for failures that stop the whole run; template
// failures are in the report.
func (j *RecurringBillingJob) Run(ctx context.Context, asOf time.Time) (BatchReport, error) {
	asOf = clock.Date(asOf)
	report := BatchReport{AsOf: asOf}
	run := jobRunFromContext(ctx)
	metrics := obsmetrics.Billing()

	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		templates, err := j.templateRepo.ListDue(ctx, j.db, asOf, after, j.batchSize)
		if err != nil {
			return report, apperr.Persistence("recurring_billing.list_due", err)
		}

		for _, template := range templates {
			after = template.ID
			res := j.processSafely(ctx, template, asOf)
			report.Results = append(report.Results, res)
			metrics.IncTemplateOutcome(res.Outcome)
			if res.Err != nil {
				logTemplateError(ctx, j.log, run, template.ID, res.Err)
			}
		}
		run.AddProcessed(len(templates))
		metrics.AddBatchProcessed(JobRecurringBilling, "recurring_templates", len(templates))

		if len(templates) < j.batchSize {
			break
		}
	}
	return report, nil
}

func (j *RecurringBillingJob) processSafely(ctx context.Context, template recurringdomain.Template, asOf time.Time) (res TemplateResult) {
	ctx = obscontext.WithTemplateID(ctx, template.ID.String())
	defer func() {
		if r := recover(); r != nil {
			res = TemplateResult{
				TemplateID: template.ID,
				Outcome:    obsmetrics.TemplateOutcomeFailed,
				Err:        fmt.Errorf("panic: %v", r),
			}
		}
	}()

	res, err := j.process(ctx, template, asOf)
	if err != nil {
		return TemplateResult{TemplateID: template.ID, Outcome: obsmetrics.TemplateOutcomeFailed, Err: err}
	}
	return res
}

func (j *RecurringBillingJob) process(ctx context.Context, template recurringdomain.Template, asOf time.Time) (TemplateResult, error) {
	plan := template.Plan()
	if plan.NextRunDate == nil {
		return TemplateResult{}, recurringdomain.ErrTemplateStale
	}

	if schedule.ShouldRetireBeforeRun(plan, asOf) {
		ok, err := j.templateRepo.Retire(ctx, j.db, template.ID, j.clock.Now())
		if err != nil {
			return TemplateResult{}, apperr.Persistence("recurring_billing.retire", err)
		}
		if !ok {
			return TemplateResult{}, recurringdomain.ErrTemplateStale
		}
		obslogger.WithContext(ctx, j.log).Info("recurring.template.retired",
			zap.String("as_of", dateString(asOf)),
		)
		return TemplateResult{TemplateID: template.ID, Outcome: obsmetrics.TemplateOutcomeRetired}, nil
	}

	blueprint := template.Blueprint()
	items, err := blueprint.Clone()
	if err != nil {
		return TemplateResult{}, err
	}

	lines := make([]money.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, money.Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	if _, err := money.InvoiceTotals(lines, template.TaxRate); err != nil {
		return TemplateResult{}, err
	}

	next, err := schedule.Advance(plan)
	if err != nil {
		return TemplateResult{}, err
	}
	expected := recurringdomain.Expected{
		NextRunDate:          clock.Date(*plan.NextRunDate),
		CompletedOccurrences: plan.CompletedOccurrences,
	}

	templateID := template.ID
	req := invoicedomain.CreateInvoiceRequest{
		CustomerID:          template.CustomerID,
		PropertyID:          template.PropertyID,
		RecurringTemplateID: &templateID,
		InvoiceDate:         asOf,
		DueDate:             asOf.AddDate(0, 0, j.billingCfg.Get().PaymentTermDays),
		TaxRate:             template.TaxRate,
		Notes:               blueprint.Notes,
		LineItems:           items,
	}

	detail, err := j.invoiceSvc.Issue(ctx, req, func(ctx context.Context, tx *gorm.DB, _ *invoicedomain.InvoiceDetail) error {
		lockStart := time.Now()
		current, err := j.templateRepo.FindByIDForUpdate(ctx, tx, templateID)
		obsmetrics.Billing().ObserveDBLockWait(obsmetrics.LockResourceRecurringTemplate, time.Since(lockStart))
		if err != nil {
			return err
		}
		if err := guard.EnsureTemplateStillDue(current, expected, asOf); err != nil {
			return err
		}

		ok, err := j.templateRepo.Advance(ctx, tx, templateID, expected, next, j.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return recurringdomain.ErrTemplateStale
		}
		return nil
	})
	if err != nil {
		return TemplateResult{}, err
	}

	ctx = obscontext.WithInvoiceID(ctx, detail.Invoice.ID.String())
	obslogger.WithContext(ctx, j.log).Info("recurring.template.invoiced",
		zap.String("number", detail.Invoice.Number),
		zap.Int("completed_occurrences", next.CompletedOccurrences),
		zap.Bool("retired", !next.IsActive),
	)
	return TemplateResult{
		TemplateID:    templateID,
		Outcome:       obsmetrics.TemplateOutcomeInvoiced,
		InvoiceID:     detail.Invoice.ID,
		InvoiceNumber: detail.Invoice.Number,
	}, nil
}
