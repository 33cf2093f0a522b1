package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type LineItemInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type CreateInvoiceRequest struct {
	CustomerID          snowflake.ID    `json:"customer_id"`
	PropertyID          *snowflake.ID   `json:"property_id,omitempty"`
	RecurringTemplateID *snowflake.ID   `json:"recurring_template_id,omitempty"`
	InvoiceDate         time.Time       `json:"invoice_date"`
	DueDate             time.Time       `json:"due_date"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	// Status is DRAFT or UNPAID; empty means UNPAID.
	Status    InvoiceStatus   `json:"status,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	LineItems []LineItemInput `json:"line_items"`
}

type UpdateLineItemRequest struct {
	InvoiceID   snowflake.ID
	LineItemID  snowflake.ID
	Description *string
	Quantity    *decimal.Decimal
	UnitPrice   *decimal.Decimal
}

type ListInvoiceRequest struct {
	pagination.Pagination
	Status              *InvoiceStatus
	CustomerID          *snowflake.ID
	RecurringTemplateID *snowflake.ID
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// WithinFunc runs inside the transaction that inserts a new invoice. Returning an
// error rolls the invoice back.
type WithinFunc func(ctx context.Context, tx *gorm.DB, invoice *InvoiceDetail) error

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (InvoiceDetail, error)
	Issue(ctx context.Context, req CreateInvoiceRequest, within WithinFunc) (InvoiceDetail, error)
	Finalize(ctx context.Context, id snowflake.ID) (InvoiceDetail, error)
	MarkAsPaid(ctx context.Context, id snowflake.ID) (InvoiceDetail, error)
	UpdateLineItem(ctx context.Context, req UpdateLineItemRequest) (InvoiceDetail, error)
	GetByID(ctx context.Context, id snowflake.ID) (InvoiceDetail, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
}

var (
	ErrInvalidID          = apperr.New(apperr.KindValidation, "invalid_invoice_id")
	ErrInvalidCustomer    = apperr.New(apperr.KindValidation, "invalid_customer")
	ErrInvalidDates       = apperr.New(apperr.KindValidation, "invalid_invoice_dates")
	ErrInvalidStatus      = apperr.New(apperr.KindValidation, "invalid_initial_status")
	ErrNoLineItems        = apperr.New(apperr.KindValidation, "no_line_items")
	ErrEmptyDescription   = apperr.New(apperr.KindValidation, "empty_line_description")
	ErrPropertyMismatch   = apperr.New(apperr.KindValidation, "property_customer_mismatch")
	ErrInvoiceNotFound    = apperr.New(apperr.KindNotFound, "invoice_not_found")
	ErrLineItemNotFound   = apperr.New(apperr.KindNotFound, "line_item_not_found")
	ErrPropertyNotFound   = apperr.New(apperr.KindNotFound, "property_not_found")
	ErrInvalidTransition  = apperr.New(apperr.KindConflict, "invalid_status_transition")
	ErrInvoiceNotEditable = apperr.New(apperr.KindConflict, "invoice_not_editable")
	ErrNumberConflict     = apperr.New(apperr.KindConflict, "invoice_number_conflict")
)
