package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/recurring/domain"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"github.com/smallbiznis/propbill/pkg/db/option"
	"github.com/smallbiznis/propbill/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, template *domain.Template) error {
	return repository.ProvideStore[domain.Template](db).Create(ctx, template)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Template, error) {
	return repository.ProvideStore[domain.Template](db).FindByID(ctx, int64(id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Template, error) {
	return repository.ProvideStore[domain.Template](db).FindByID(ctx, int64(id), option.WithLockForUpdate())
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, asOf time.Time, afterID snowflake.ID, limit int) ([]domain.Template, error) {
	return r.find(ctx, db,
		option.WithWhere("is_active = ? AND next_run_date IS NOT NULL AND next_run_date <= ?", true, asOf),
		option.WithIDAfter(int64(afterID)),
		option.WithOrder("id ASC"),
		option.WithLimit(limit),
	)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool, afterID snowflake.ID, limit int) ([]domain.Template, error) {
	opts := []option.QueryOption{
		option.WithIDAfter(int64(afterID)),
		option.WithOrder("id ASC"),
		option.WithLimit(limit),
	}
	if activeOnly {
		opts = append(opts, option.WithWhere("is_active = ?", true))
	}
	return r.find(ctx, db, opts...)
}

func (r *repo) Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, expected domain.Expected, state schedule.State, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_run_date = ?, completed_occurrences = ?, is_active = ?, updated_at = ?
		 WHERE id = ? AND is_active = ? AND next_run_date = ? AND completed_occurrences = ?`,
		state.NextRunDate,
		state.CompletedOccurrences,
		state.IsActive,
		now,
		id,
		true,
		expected.NextRunDate,
		expected.CompletedOccurrences,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Retire(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET is_active = ?, next_run_date = NULL, updated_at = ?
		 WHERE id = ? AND is_active = ?`,
		false,
		now,
		id,
		true,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) find(ctx context.Context, db *gorm.DB, opts ...option.QueryOption) ([]domain.Template, error) {
	rows, err := repository.ProvideStore[domain.Template](db).Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	templates := make([]domain.Template, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		templates = append(templates, *row)
	}
	return templates, nil
}
