// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/internal/money"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "DRAFT"
	InvoiceStatusUnpaid  InvoiceStatus = "UNPAID"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusOverdue InvoiceStatus = "OVERDUE"
)

// Payable reports whether markAsPaid may be applied.
func (s InvoiceStatus) Payable() bool {
	return s == InvoiceStatusUnpaid || s == InvoiceStatusOverdue
}

// Invoice is a billable document. Totals are never stored; see InvoiceDetail.
type Invoice struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	Number              string          `gorm:"type:varchar(32);not null;uniqueIndex:ux_invoices_number" json:"number"`
	CustomerID          snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	PropertyID          *snowflake.ID   `gorm:"index" json:"property_id,omitempty"`
	RecurringTemplateID *snowflake.ID   `gorm:"index" json:"recurring_template_id,omitempty"`
	InvoiceDate         time.Time       `gorm:"type:date;not null" json:"invoice_date"`
	DueDate             time.Time       `gorm:"type:date;not null;index:idx_invoices_status_due,priority:2" json:"due_date"`
	TaxRate             decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"tax_rate"`
	Status              InvoiceStatus   `gorm:"type:varchar(16);not null;index:idx_invoices_status_due,priority:1" json:"status"`
	PaymentDate         *time.Time      `gorm:"type:date" json:"payment_date,omitempty"`
	SentDate            *time.Time      `gorm:"type:date" json:"sent_date,omitempty"`
	Notes               string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt           time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineItem is one billable entry. LineTotal is always written from
// money.LineTotal(Quantity, UnitPrice).
type LineItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Position    int             `gorm:"not null" json:"position"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(12,3);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	LineTotal   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"line_total"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }

// InvoiceDetail is the read snapshot handed to renderers: the invoice, its
// current line items and the totals derived from them.
type InvoiceDetail struct {
	Invoice   Invoice      `json:"invoice"`
	LineItems []LineItem   `json:"line_items"`
	Totals    money.Totals `json:"totals"`
}

// ComputeTotals derives the invoice totals from its line items.
func ComputeTotals(items []LineItem, taxRate decimal.Decimal) (money.Totals, error) {
	lines := make([]money.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, money.Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return money.InvoiceTotals(lines, taxRate)
}
