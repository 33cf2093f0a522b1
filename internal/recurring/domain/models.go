// Package domain holds recurring invoice templates and their blueprint.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/propbill/internal/invoice/domain"
	"github.com/smallbiznis/propbill/internal/money"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"gorm.io/datatypes"
)

type Frequency = schedule.Frequency

// BlueprintLineItem is a line captured when the template was created. Quantity
// and UnitPrice are pointers so a missing value is distinguishable from zero.
type BlueprintLineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
}

// InvoiceBlueprint is the immutable snapshot cloned into every generated invoice.
type InvoiceBlueprint struct {
	LineItems []BlueprintLineItem `json:"line_items"`
	Notes     string              `json:"notes,omitempty"`
}

// Validate checks the blueprint can produce a valid invoice.
func (b InvoiceBlueprint) Validate() error {
	_, err := b.Clone()
	return err
}

// Clone returns fresh line item inputs. The blueprint itself is never modified.
func (b InvoiceBlueprint) Clone() ([]invoicedomain.LineItemInput, error) {
	if len(b.LineItems) == 0 {
		return nil, ErrInvalidBlueprint
	}
	items := make([]invoicedomain.LineItemInput, 0, len(b.LineItems))
	for _, line := range b.LineItems {
		desc := strings.TrimSpace(line.Description)
		if desc == "" || line.Quantity == nil || line.UnitPrice == nil {
			return nil, ErrInvalidBlueprint
		}
		if err := money.ValidateLine(*line.Quantity, *line.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, invoicedomain.LineItemInput{
			Description: desc,
			Quantity:    *line.Quantity,
			UnitPrice:   *line.UnitPrice,
		})
	}
	return items, nil
}

// Template spawns invoices on a schedule. An inactive template always has a nil
// NextRunDate.
type Template struct {
	ID                   snowflake.ID                         `gorm:"primaryKey" json:"id"`
	CustomerID           snowflake.ID                         `gorm:"not null;index" json:"customer_id"`
	PropertyID           *snowflake.ID                        `gorm:"index" json:"property_id,omitempty"`
	TemplateName         string                               `gorm:"type:varchar(255);not null" json:"template_name"`
	Frequency            Frequency                            `gorm:"type:varchar(16);not null" json:"frequency"`
	StartDate            time.Time                            `gorm:"type:date;not null" json:"start_date"`
	EndDate              *time.Time                           `gorm:"type:date" json:"end_date,omitempty"`
	Occurrences          *int                                 `json:"occurrences,omitempty"`
	NextRunDate          *time.Time                           `gorm:"type:date;index:idx_recurring_templates_due,priority:2" json:"next_run_date,omitempty"`
	CompletedOccurrences int                                  `gorm:"not null;default:0" json:"completed_occurrences"`
	IsActive             bool                                 `gorm:"not null;index:idx_recurring_templates_due,priority:1" json:"is_active"`
	TaxRate              decimal.Decimal                      `gorm:"type:numeric(5,2);not null" json:"tax_rate"`
	BaseInvoiceData      datatypes.JSONType[InvoiceBlueprint] `gorm:"not null" json:"base_invoice_data"`
	CreatedAt            time.Time                            `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time                            `gorm:"not null" json:"updated_at"`
}

func (Template) TableName() string { return "recurring_templates" }

func (t Template) Plan() schedule.Plan {
	return schedule.Plan{
		Frequency:            t.Frequency,
		NextRunDate:          t.NextRunDate,
		EndDate:              t.EndDate,
		Occurrences:          t.Occurrences,
		CompletedOccurrences: t.CompletedOccurrences,
	}
}

// Blueprint returns a copy of the stored blueprint.
func (t Template) Blueprint() InvoiceBlueprint {
	return t.BaseInvoiceData.Data()
}
