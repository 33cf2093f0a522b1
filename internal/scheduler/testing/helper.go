package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TimeAccelerator moves billing dates so scheduler jobs can be exercised
// without waiting for the calendar.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// MakeTemplateDue sets next_run_date of an active template to day.
func (ta *TimeAccelerator) MakeTemplateDue(ctx context.Context, templateID snowflake.ID, day time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_run_date = ?, updated_at = ?
		 WHERE id = ? AND is_active = ?`,
		dateOnly(day),
		time.Now().UTC(),
		templateID,
		true,
	).Error
}

// MakeAllTemplatesDue pulls every active template forward to day.
func (ta *TimeAccelerator) MakeAllTemplatesDue(ctx context.Context, day time.Time) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_run_date = ?, updated_at = ?
		 WHERE is_active = ? AND next_run_date > ?`,
		dateOnly(day),
		time.Now().UTC(),
		true,
		dateOnly(day),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ReplaceBlueprint overwrites the stored invoice blueprint with raw JSON,
// bypassing validation.
func (ta *TimeAccelerator) ReplaceBlueprint(ctx context.Context, templateID snowflake.ID, raw string) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE recurring_templates SET base_invoice_data = ? WHERE id = ?`,
		raw,
		templateID,
	).Error
}

// BackdateInvoiceDue moves an invoice's due date.
func (ta *TimeAccelerator) BackdateInvoiceDue(ctx context.Context, invoiceID snowflake.ID, due time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE invoices SET due_date = ?, updated_at = ? WHERE id = ?`,
		dateOnly(due),
		time.Now().UTC(),
		invoiceID,
	).Error
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
