package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/invoice/domain"
	"github.com/smallbiznis/propbill/pkg/db/option"
	"github.com/smallbiznis/propbill/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, number, customer_id, property_id, recurring_template_id,
			invoice_date, due_date, tax_rate, status, payment_date, sent_date,
			notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.Number,
		invoice.CustomerID,
		invoice.PropertyID,
		invoice.RecurringTemplateID,
		invoice.InvoiceDate,
		invoice.DueDate,
		invoice.TaxRate,
		invoice.Status,
		invoice.PaymentDate,
		invoice.SentDate,
		invoice.Notes,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) InsertLineItems(ctx context.Context, db *gorm.DB, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]*domain.LineItem, 0, len(items))
	for i := range items {
		rows = append(rows, &items[i])
	}
	return repository.ProvideStore[domain.LineItem](db).BatchCreate(ctx, rows)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return repository.ProvideStore[domain.Invoice](db).FindByID(ctx, int64(id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return repository.ProvideStore[domain.Invoice](db).FindByID(ctx, int64(id), option.WithLockForUpdate())
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.LineItem, error) {
	var items []domain.LineItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("position ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateLineItem(ctx context.Context, db *gorm.DB, item domain.LineItem) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_line_items
		 SET description = ?, quantity = ?, unit_price = ?, line_total = ?
		 WHERE id = ? AND invoice_id = ?`,
		item.Description,
		item.Quantity,
		item.UnitPrice,
		item.LineTotal,
		item.ID,
		item.InvoiceID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Invoice, error) {
	opts := []option.QueryOption{
		option.WithIDAfter(int64(filter.AfterID)),
		option.WithOrder("id ASC"),
		option.WithLimit(filter.Limit),
	}
	if filter.Status != nil {
		opts = append(opts, option.WithWhere("status = ?", *filter.Status))
	}
	if filter.CustomerID != nil {
		opts = append(opts, option.WithWhere("customer_id = ?", *filter.CustomerID))
	}
	if filter.RecurringTemplateID != nil {
		opts = append(opts, option.WithWhere("recurring_template_id = ?", *filter.RecurringTemplateID))
	}

	rows, err := repository.ProvideStore[domain.Invoice](db).Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	invoices := make([]domain.Invoice, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		invoices = append(invoices, *row)
	}
	return invoices, nil
}

func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.InvoiceStatus, paymentDate *time.Time, now time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if paymentDate != nil {
		updates["payment_date"] = *paymentDate
	}
	res := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOverdueCandidates(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM invoices
		 WHERE status = ? AND due_date < ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.InvoiceStatusUnpaid,
		asOf,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkOverdue re-checks the status so a payment that lands between the select
// and the update is never overwritten.
func (r *repo) MarkOverdue(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ?
		 WHERE id IN ? AND status = ?`,
		domain.InvoiceStatusOverdue,
		now,
		ids,
		domain.InvoiceStatusUnpaid,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
