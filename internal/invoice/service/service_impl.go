package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/config"
	customerdomain "github.com/smallbiznis/propbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/propbill/internal/invoice/domain"
	"github.com/smallbiznis/propbill/internal/invoice/numbering"
	"github.com/smallbiznis/propbill/internal/money"
	obslogger "github.com/smallbiznis/propbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/propbill/internal/observability/metrics"
	propertydomain "github.com/smallbiznis/propbill/internal/property/domain"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db"
	"github.com/smallbiznis/propbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errNumberTaken marks a unique violation on invoices.number inside the insert
// transaction, as opposed to one raised by a WithinFunc.
var errNumberTaken = errors.New("invoice number taken")

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         invoicedomain.Repository
	Allocator    *numbering.Allocator
	CustomerSvc  customerdomain.Service
	PropertyRepo propertydomain.Repository

	BillingConfig *config.BillingConfigHolder `optional:"true"`
	Metrics       *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	repo         invoicedomain.Repository
	allocator    *numbering.Allocator
	customerSvc  customerdomain.Service
	propertyRepo propertydomain.Repository
	billingCfg   *config.BillingConfigHolder
	metrics      *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:        p.GenID,
		clock:        c,
		repo:         p.Repo,
		allocator:    p.Allocator,
		customerSvc:  p.CustomerSvc,
		propertyRepo: p.PropertyRepo,
		billingCfg:   p.BillingConfig,
		metrics:      p.Metrics,
	}
}

// Create validates the customer and property references and issues the invoice.
func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.InvoiceDetail, error) {
	customer, err := s.customerSvc.GetByID(ctx, req.CustomerID)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}

	if req.PropertyID != nil {
		property, err := s.propertyRepo.FindByID(ctx, s.db, *req.PropertyID)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.create", err)
		}
		if property == nil {
			return invoicedomain.InvoiceDetail{}, invoicedomain.ErrPropertyNotFound
		}
		if property.CustomerID != customer.ID {
			return invoicedomain.InvoiceDetail{}, invoicedomain.ErrPropertyMismatch
		}
	}

	return s.Issue(ctx, req, nil)
}

// Issue is the shared creation path. The number is allocated outside the insert
// transaction; a collision on insert retries with a fresh number.
func (s *Service) Issue(ctx context.Context, req invoicedomain.CreateInvoiceRequest, within invoicedomain.WithinFunc) (invoicedomain.InvoiceDetail, error) {
	status, err := validateCreate(req)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}

	attempts := s.billingCfg.Get().NumberAttempts
	year := req.InvoiceDate.Year()

	for attempt := 1; attempt <= attempts; attempt++ {
		number, err := s.allocator.Allocate(ctx, year)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, err
		}

		detail, err := s.buildDetail(req, status, number)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, err
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.InsertInvoice(ctx, tx, &detail.Invoice); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errNumberTaken
				}
				return err
			}
			if err := s.repo.InsertLineItems(ctx, tx, detail.LineItems); err != nil {
				return err
			}
			if within != nil {
				return within(ctx, tx, &detail)
			}
			return nil
		})
		if errors.Is(err, errNumberTaken) {
			obsmetrics.Billing().IncNumberConflict()
			s.logger(ctx).Warn("invoice.number.conflict",
				zap.String("number", number),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.issue", err)
		}

		source := "manual"
		if detail.Invoice.RecurringTemplateID != nil {
			source = "recurring"
		}
		grand, _ := detail.Totals.GrandTotal.Float64()
		s.metrics.RecordInvoiceIssued(ctx, source, string(detail.Invoice.Status), grand)
		s.logger(ctx).Info("invoice.issued",
			zap.String("invoice_id", detail.Invoice.ID.String()),
			zap.String("number", detail.Invoice.Number),
			zap.String("status", string(detail.Invoice.Status)),
			zap.String("grand_total", detail.Totals.GrandTotal.StringFixed(2)),
		)
		return detail, nil
	}

	return invoicedomain.InvoiceDetail{}, apperr.Wrap("invoice.issue", fmt.Errorf("%w after %d attempts", invoicedomain.ErrNumberConflict, attempts))
}

// Finalize moves a draft to UNPAID. A draft with no line items cannot be sent.
func (s *Service) Finalize(ctx context.Context, id snowflake.ID) (invoicedomain.InvoiceDetail, error) {
	if id == 0 {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvalidID
	}

	var detail invoicedomain.InvoiceDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.InvoiceStatusDraft {
			return invoicedomain.ErrInvalidTransition
		}

		items, err := s.repo.ListLineItems(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return invoicedomain.ErrNoLineItems
		}

		now := s.clock.Now()
		ok, err := s.repo.TransitionStatus(ctx, tx, id, invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusUnpaid, nil, now)
		if err != nil {
			return err
		}
		if !ok {
			return invoicedomain.ErrInvalidTransition
		}
		invoice.Status = invoicedomain.InvoiceStatusUnpaid
		invoice.UpdatedAt = now

		detail, err = newDetail(*invoice, items)
		return err
	})
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.finalize", err)
	}

	s.logger(ctx).Info("invoice.finalized", zap.String("invoice_id", id.String()))
	return detail, nil
}

// MarkAsPaid settles an UNPAID or OVERDUE invoice. When the invoice is bound to a
// property the service-history row and the property's last service date are
// written in the same transaction.
func (s *Service) MarkAsPaid(ctx context.Context, id snowflake.ID) (invoicedomain.InvoiceDetail, error) {
	if id == 0 {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvalidID
	}

	var (
		detail     invoicedomain.InvoiceDetail
		fromStatus invoicedomain.InvoiceStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !invoice.Status.Payable() {
			return invoicedomain.ErrInvalidTransition
		}
		fromStatus = invoice.Status

		items, err := s.repo.ListLineItems(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		paymentDate := clock.Date(now)
		ok, err := s.repo.TransitionStatus(ctx, tx, id, invoice.Status, invoicedomain.InvoiceStatusPaid, &paymentDate, now)
		if err != nil {
			return err
		}
		if !ok {
			return invoicedomain.ErrInvalidTransition
		}
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaymentDate = &paymentDate
		invoice.UpdatedAt = now

		detail, err = newDetail(*invoice, items)
		if err != nil {
			return err
		}

		if invoice.PropertyID == nil {
			return nil
		}
		return s.recordServiceHistory(ctx, tx, detail, now)
	})
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.mark_paid", err)
	}

	s.metrics.RecordInvoicePaid(ctx, string(fromStatus))
	if detail.Invoice.PropertyID != nil {
		s.metrics.RecordServiceHistory(ctx)
	}
	s.logger(ctx).Info("invoice.paid",
		zap.String("invoice_id", id.String()),
		zap.String("from_status", string(fromStatus)),
		zap.Bool("service_history", detail.Invoice.PropertyID != nil),
	)
	return detail, nil
}

func (s *Service) UpdateLineItem(ctx context.Context, req invoicedomain.UpdateLineItemRequest) (invoicedomain.InvoiceDetail, error) {
	if req.InvoiceID == 0 {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvalidID
	}

	var detail invoicedomain.InvoiceDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			return invoicedomain.ErrInvoiceNotEditable
		}

		items, err := s.repo.ListLineItems(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}

		idx := -1
		for i := range items {
			if items[i].ID == req.LineItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return invoicedomain.ErrLineItemNotFound
		}

		item := items[idx]
		if req.Description != nil {
			item.Description = strings.TrimSpace(*req.Description)
		}
		if req.Quantity != nil {
			item.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			item.UnitPrice = *req.UnitPrice
		}
		if item.Description == "" {
			return invoicedomain.ErrEmptyDescription
		}
		if err := money.ValidateLine(item.Quantity, item.UnitPrice); err != nil {
			return err
		}
		lineTotal, err := money.LineTotal(item.Quantity, item.UnitPrice)
		if err != nil {
			return err
		}
		item.LineTotal = lineTotal

		if err := s.repo.UpdateLineItem(ctx, tx, item); err != nil {
			return err
		}
		items[idx] = item

		detail, err = newDetail(*invoice, items)
		return err
	})
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.update_line_item", err)
	}
	return detail, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (invoicedomain.InvoiceDetail, error) {
	if id == 0 {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvalidID
	}

	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.get", err)
	}
	if invoice == nil {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvoiceNotFound
	}

	items, err := s.repo.ListLineItems(ctx, s.db, id)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Persistence("invoice.get", err)
	}
	return newDetail(*invoice, items)
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, apperr.Wrap("invoice.list", apperr.Validationf("invalid_page_token", "%v", err))
	}

	limit := req.Limit()
	rows, err := s.repo.List(ctx, s.db, invoicedomain.ListFilter{
		Status:              req.Status,
		CustomerID:          req.CustomerID,
		RecurringTemplateID: req.RecurringTemplateID,
		AfterID:             snowflake.ID(cursor.ID),
		Limit:               limit + 1,
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, apperr.Persistence("invoice.list", err)
	}

	invoices, pageInfo, err := pagination.Page(rows, limit, func(inv invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: int64(inv.ID)}
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

func (s *Service) recordServiceHistory(ctx context.Context, tx *gorm.DB, detail invoicedomain.InvoiceDetail, now time.Time) error {
	invoice := detail.Invoice
	history := propertydomain.ServiceHistory{
		ID:          s.genID.Generate(),
		PropertyID:  *invoice.PropertyID,
		InvoiceID:   invoice.ID,
		Description: serviceSummary(detail.LineItems),
		TotalCost:   detail.Totals.GrandTotal,
		ServiceDate: invoice.InvoiceDate,
		CreatedAt:   now,
	}
	if err := s.propertyRepo.InsertServiceHistory(ctx, tx, &history); err != nil {
		return err
	}

	ok, err := s.propertyRepo.UpdateLastServiceDate(ctx, tx, *invoice.PropertyID, invoice.InvoiceDate, now)
	if err != nil {
		return err
	}
	if !ok {
		return invoicedomain.ErrPropertyNotFound
	}
	return nil
}

func (s *Service) buildDetail(req invoicedomain.CreateInvoiceRequest, status invoicedomain.InvoiceStatus, number string) (invoicedomain.InvoiceDetail, error) {
	now := s.clock.Now()
	invoice := invoicedomain.Invoice{
		ID:                  s.genID.Generate(),
		Number:              number,
		CustomerID:          req.CustomerID,
		PropertyID:          req.PropertyID,
		RecurringTemplateID: req.RecurringTemplateID,
		InvoiceDate:         clock.Date(req.InvoiceDate),
		DueDate:             clock.Date(req.DueDate),
		TaxRate:             req.TaxRate,
		Status:              status,
		Notes:               req.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	items := make([]invoicedomain.LineItem, 0, len(req.LineItems))
	for i, in := range req.LineItems {
		lineTotal, err := money.LineTotal(in.Quantity, in.UnitPrice)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, err
		}
		items = append(items, invoicedomain.LineItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoice.ID,
			Position:    i + 1,
			Description: strings.TrimSpace(in.Description),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			LineTotal:   lineTotal,
			CreatedAt:   now,
		})
	}

	return newDetail(invoice, items)
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func newDetail(invoice invoicedomain.Invoice, items []invoicedomain.LineItem) (invoicedomain.InvoiceDetail, error) {
	totals, err := invoicedomain.ComputeTotals(items, invoice.TaxRate)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	return invoicedomain.InvoiceDetail{
		Invoice:   invoice,
		LineItems: items,
		Totals:    totals,
	}, nil
}

func validateCreate(req invoicedomain.CreateInvoiceRequest) (invoicedomain.InvoiceStatus, error) {
	status := req.Status
	switch status {
	case "":
		status = invoicedomain.InvoiceStatusUnpaid
	case invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusUnpaid:
	default:
		return "", invoicedomain.ErrInvalidStatus
	}

	if req.CustomerID == 0 {
		return "", invoicedomain.ErrInvalidCustomer
	}
	if req.InvoiceDate.IsZero() || req.DueDate.IsZero() {
		return "", invoicedomain.ErrInvalidDates
	}
	if clock.Date(req.DueDate).Before(clock.Date(req.InvoiceDate)) {
		return "", invoicedomain.ErrInvalidDates
	}
	if err := money.ValidateTaxRate(req.TaxRate); err != nil {
		return "", err
	}
	if len(req.LineItems) == 0 && status != invoicedomain.InvoiceStatusDraft {
		return "", invoicedomain.ErrNoLineItems
	}

	for _, item := range req.LineItems {
		if strings.TrimSpace(item.Description) == "" {
			return "", invoicedomain.ErrEmptyDescription
		}
		if err := money.ValidateLine(item.Quantity, item.UnitPrice); err != nil {
			return "", err
		}
	}
	return status, nil
}

// serviceSummary renders "desc (qty×)" per item, joined with ", ".
func serviceSummary(items []invoicedomain.LineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s (%s×)", item.Description, item.Quantity.String()))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
