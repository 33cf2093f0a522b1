package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Property is a serviced location. Billing only writes LastServiceDate.
type Property struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID      snowflake.ID `gorm:"not null;index" json:"customer_id"`
	Name            string       `gorm:"type:varchar(255);not null" json:"name"`
	Address         string       `gorm:"type:text" json:"address"`
	LastServiceDate *time.Time   `gorm:"type:date" json:"last_service_date,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (Property) TableName() string { return "properties" }

// ServiceHistory records the work billed by one paid invoice.
type ServiceHistory struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	PropertyID  snowflake.ID    `gorm:"not null;index" json:"property_id"`
	InvoiceID   snowflake.ID    `gorm:"not null;uniqueIndex:ux_property_service_histories_invoice" json:"invoice_id"`
	Description string          `gorm:"type:text;not null" json:"description"`
	TotalCost   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_cost"`
	ServiceDate time.Time       `gorm:"type:date;not null" json:"service_date"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

func (ServiceHistory) TableName() string { return "property_service_histories" }
