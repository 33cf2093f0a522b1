package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/property/domain"
	"github.com/smallbiznis/propbill/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, property *domain.Property) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO properties (id, customer_id, name, address, last_service_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		property.ID,
		property.CustomerID,
		property.Name,
		property.Address,
		property.LastServiceDate,
		property.CreatedAt,
		property.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Property, error) {
	return repository.ProvideStore[domain.Property](db).FindByID(ctx, int64(id))
}

// UpdateLastServiceDate reports false when the property does not exist.
func (r *repo) UpdateLastServiceDate(ctx context.Context, db *gorm.DB, id snowflake.ID, serviceDate, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE properties SET last_service_date = ?, updated_at = ? WHERE id = ?`,
		serviceDate,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertServiceHistory(ctx context.Context, db *gorm.DB, history *domain.ServiceHistory) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO property_service_histories (id, property_id, invoice_id, description, total_cost, service_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.PropertyID,
		history.InvoiceID,
		history.Description,
		history.TotalCost,
		history.ServiceDate,
		history.CreatedAt,
	).Error
}

func (r *repo) ListServiceHistory(ctx context.Context, db *gorm.DB, propertyID snowflake.ID) ([]domain.ServiceHistory, error) {
	var rows []domain.ServiceHistory
	err := db.WithContext(ctx).
		Model(&domain.ServiceHistory{}).
		Where("property_id = ?", propertyID).
		Order("service_date DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
