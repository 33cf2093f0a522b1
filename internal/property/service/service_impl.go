package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/property/domain"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("property.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (domain.Property, error) {
	if id == 0 {
		return domain.Property{}, domain.ErrInvalidID
	}
	property, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Property{}, apperr.Persistence("property.get", err)
	}
	if property == nil {
		return domain.Property{}, domain.ErrNotFound
	}
	return *property, nil
}

func (s *Service) ListServiceHistory(ctx context.Context, propertyID snowflake.ID) ([]domain.ServiceHistory, error) {
	if _, err := s.GetByID(ctx, propertyID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListServiceHistory(ctx, s.db, propertyID)
	if err != nil {
		return nil, apperr.Persistence("property.service_history.list", err)
	}
	return rows, nil
}
