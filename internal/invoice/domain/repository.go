package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter narrows List queries. Nil fields are ignored.
type ListFilter struct {
	Status              *InvoiceStatus
	CustomerID          *snowflake.ID
	RecurringTemplateID *snowflake.ID
	AfterID             snowflake.ID
	Limit               int
}

type Repository interface {
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertLineItems(ctx context.Context, db *gorm.DB, items []LineItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]LineItem, error)
	UpdateLineItem(ctx context.Context, db *gorm.DB, item LineItem) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Invoice, error)
	// TransitionStatus moves the invoice from one status to another and reports
	// whether a row changed.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to InvoiceStatus, paymentDate *time.Time, now time.Time) (bool, error)
	ListOverdueCandidates(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error)
	MarkOverdue(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error)
}
