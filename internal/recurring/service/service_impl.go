package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/clock"
	customerdomain "github.com/smallbiznis/propbill/internal/customer/domain"
	"github.com/smallbiznis/propbill/internal/money"
	propertydomain "github.com/smallbiznis/propbill/internal/property/domain"
	"github.com/smallbiznis/propbill/internal/recurring/domain"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	CustomerSvc customerdomain.Service
	PropertySvc propertydomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	customerSvc customerdomain.Service
	propertySvc propertydomain.Service
}

func New(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("recurring.service"),
		genID:       p.GenID,
		clock:       c,
		repo:        p.Repo,
		customerSvc: p.CustomerSvc,
		propertySvc: p.PropertySvc,
	}
}

// Create validates the blueprint once and schedules the first run on the start
// date.
func (s *Service) Create(ctx context.Context, req domain.CreateTemplateRequest) (domain.Template, error) {
	if err := validateCreate(req); err != nil {
		return domain.Template{}, err
	}

	if _, err := s.customerSvc.GetByID(ctx, req.CustomerID); err != nil {
		return domain.Template{}, err
	}
	if req.PropertyID != nil {
		property, err := s.propertySvc.GetByID(ctx, *req.PropertyID)
		if err != nil {
			return domain.Template{}, err
		}
		if property.CustomerID != req.CustomerID {
			return domain.Template{}, apperr.Validationf("property_customer_mismatch", "property %s belongs to another customer", property.ID)
		}
	}

	now := s.clock.Now()
	start := clock.Date(req.StartDate)
	template := domain.Template{
		ID:                   s.genID.Generate(),
		CustomerID:           req.CustomerID,
		PropertyID:           req.PropertyID,
		TemplateName:         strings.TrimSpace(req.TemplateName),
		Frequency:            req.Frequency,
		StartDate:            start,
		EndDate:              datePtr(req.EndDate),
		Occurrences:          req.Occurrences,
		NextRunDate:          &start,
		CompletedOccurrences: 0,
		IsActive:             true,
		TaxRate:              req.TaxRate,
		BaseInvoiceData:      datatypes.NewJSONType(cloneBlueprint(req.Blueprint)),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.repo.Insert(ctx, s.db, &template); err != nil {
		return domain.Template{}, apperr.Persistence("recurring.create", err)
	}

	s.log.Info("recurring.template.created",
		zap.String("template_id", template.ID.String()),
		zap.String("frequency", string(template.Frequency)),
		zap.Time("next_run_date", start),
	)
	return template, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Template, error) {
	if id == 0 {
		return domain.Template{}, domain.ErrInvalidID
	}
	template, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Template{}, apperr.Persistence("recurring.get", err)
	}
	if template == nil {
		return domain.Template{}, domain.ErrTemplateNotFound
	}
	return *template, nil
}

func (s *Service) List(ctx context.Context, req domain.ListTemplateRequest) (domain.ListTemplateResponse, error) {
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListTemplateResponse{}, apperr.Validationf("invalid_page_token", "%v", err)
	}

	limit := req.Limit()
	rows, err := s.repo.List(ctx, s.db, req.ActiveOnly, snowflake.ID(cursor.ID), limit+1)
	if err != nil {
		return domain.ListTemplateResponse{}, apperr.Persistence("recurring.list", err)
	}

	templates, pageInfo, err := pagination.Page(rows, limit, func(t domain.Template) pagination.Cursor {
		return pagination.Cursor{ID: int64(t.ID)}
	})
	if err != nil {
		return domain.ListTemplateResponse{}, err
	}
	return domain.ListTemplateResponse{PageInfo: pageInfo, Templates: templates}, nil
}

// Deactivate retires the template. Retiring an inactive template is a no-op.
func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) (domain.Template, error) {
	if id == 0 {
		return domain.Template{}, domain.ErrInvalidID
	}

	var out domain.Template
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if template == nil {
			return domain.ErrTemplateNotFound
		}
		if !template.IsActive {
			out = *template
			return nil
		}

		now := s.clock.Now()
		if _, err := s.repo.Retire(ctx, tx, id, now); err != nil {
			return err
		}
		template.IsActive = false
		template.NextRunDate = nil
		template.UpdatedAt = now
		out = *template
		return nil
	})
	if err != nil {
		return domain.Template{}, apperr.Persistence("recurring.deactivate", err)
	}

	s.log.Info("recurring.template.deactivated", zap.String("template_id", id.String()))
	return out, nil
}

func validateCreate(req domain.CreateTemplateRequest) error {
	if req.CustomerID == 0 {
		return apperr.Validationf("invalid_customer", "customer id is required")
	}
	if strings.TrimSpace(req.TemplateName) == "" {
		return domain.ErrInvalidName
	}
	if !req.Frequency.Valid() {
		return schedule.ErrInvalidFrequency
	}
	if req.StartDate.IsZero() {
		return domain.ErrInvalidSchedule
	}
	if req.EndDate != nil && clock.Date(*req.EndDate).Before(clock.Date(req.StartDate)) {
		return domain.ErrInvalidSchedule
	}
	if req.Occurrences != nil && *req.Occurrences <= 0 {
		return domain.ErrInvalidOccurrences
	}
	if err := money.ValidateTaxRate(req.TaxRate); err != nil {
		return err
	}
	return req.Blueprint.Validate()
}

// cloneBlueprint detaches the stored snapshot from the caller's slices.
func cloneBlueprint(b domain.InvoiceBlueprint) domain.InvoiceBlueprint {
	out := domain.InvoiceBlueprint{Notes: b.Notes}
	out.LineItems = make([]domain.BlueprintLineItem, 0, len(b.LineItems))
	for _, line := range b.LineItems {
		q := *line.Quantity
		p := *line.UnitPrice
		out.LineItems = append(out.LineItems, domain.BlueprintLineItem{
			Description: strings.TrimSpace(line.Description),
			Quantity:    &q,
			UnitPrice:   &p,
		})
	}
	return out
}

func datePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := clock.Date(*t)
	return &d
}
