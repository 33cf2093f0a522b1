package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/config"
	invoicedomain "github.com/smallbiznis/propbill/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/propbill/internal/observability/metrics"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OverdueSweepParams struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	InvoiceRepo   invoicedomain.Repository
	BillingConfig *config.BillingConfigHolder `optional:"true"`
}

// OverdueSweeper moves UNPAID invoices past their due date to OVERDUE.
type OverdueSweeper struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       invoicedomain.Repository
	billingCfg *config.BillingConfigHolder
}

func NewOverdueSweeper(p OverdueSweepParams) *OverdueSweeper {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &OverdueSweeper{
		db:         p.DB,
		log:        p.Log.Named("overdue_sweep"),
		clock:      c,
		repo:       p.InvoiceRepo,
		billingCfg: p.BillingConfig,
	}
}

// Run marks invoices with status UNPAID and due_date < asOf as OVERDUE, one id
// batch at a time. Running it again for the same asOf changes nothing.
func (s *OverdueSweeper) Run(ctx context.Context, asOf time.Time) (int64, error) {
	asOf = clock.Date(asOf)
	batch := s.billingCfg.Get().SweepBatchSize
	run := jobRunFromContext(ctx)
	metrics := obsmetrics.Billing()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		ids, err := s.repo.ListOverdueCandidates(ctx, s.db, asOf, batch)
		if err != nil {
			return total, apperr.Persistence("overdue_sweep.list", err)
		}
		if len(ids) == 0 {
			break
		}

		updated, err := s.repo.MarkOverdue(ctx, s.db, ids, s.clock.Now())
		if err != nil {
			return total, apperr.Persistence("overdue_sweep.update", err)
		}
		total += updated
		run.AddProcessed(int(updated))
		metrics.AddInvoicesSwept(updated)
		metrics.AddBatchProcessed(JobOverdueSweep, "invoices", int(updated))

		if len(ids) < batch {
			break
		}
	}

	s.log.Info("invoice.overdue.swept",
		zap.String("as_of", dateString(asOf)),
		zap.Int64("count", total),
	)
	return total, nil
}
