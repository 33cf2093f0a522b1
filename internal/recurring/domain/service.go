package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/pagination"
)

type CreateTemplateRequest struct {
	CustomerID   snowflake.ID     `json:"customer_id"`
	PropertyID   *snowflake.ID    `json:"property_id,omitempty"`
	TemplateName string           `json:"template_name"`
	Frequency    Frequency        `json:"frequency"`
	StartDate    time.Time        `json:"start_date"`
	EndDate      *time.Time       `json:"end_date,omitempty"`
	Occurrences  *int             `json:"occurrences,omitempty"`
	TaxRate      decimal.Decimal  `json:"tax_rate"`
	Blueprint    InvoiceBlueprint `json:"base_invoice_data"`
}

type ListTemplateRequest struct {
	pagination.Pagination
	ActiveOnly bool
}

type ListTemplateResponse struct {
	pagination.PageInfo
	Templates []Template `json:"templates"`
}

type Service interface {
	Create(ctx context.Context, req CreateTemplateRequest) (Template, error)
	GetByID(ctx context.Context, id snowflake.ID) (Template, error)
	List(ctx context.Context, req ListTemplateRequest) (ListTemplateResponse, error)
	Deactivate(ctx context.Context, id snowflake.ID) (Template, error)
}

var (
	ErrInvalidID          = apperr.New(apperr.KindValidation, "invalid_template_id")
	ErrInvalidName        = apperr.New(apperr.KindValidation, "invalid_template_name")
	ErrInvalidBlueprint   = apperr.New(apperr.KindValidation, "invalid_blueprint")
	ErrInvalidSchedule    = apperr.New(apperr.KindValidation, "invalid_template_schedule")
	ErrInvalidOccurrences = apperr.New(apperr.KindValidation, "invalid_occurrences")
	ErrTemplateNotFound   = apperr.New(apperr.KindNotFound, "template_not_found")
	ErrTemplateStale      = apperr.New(apperr.KindConflict, "template_state_changed")
)
