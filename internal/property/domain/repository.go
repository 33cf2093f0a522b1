package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, property *Property) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Property, error)
	UpdateLastServiceDate(ctx context.Context, db *gorm.DB, id snowflake.ID, serviceDate, now time.Time) (bool, error)
	InsertServiceHistory(ctx context.Context, db *gorm.DB, history *ServiceHistory) error
	ListServiceHistory(ctx context.Context, db *gorm.DB, propertyID snowflake.ID) ([]ServiceHistory, error)
}
