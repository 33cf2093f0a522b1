package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/pkg/apperr"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Property, error)
	ListServiceHistory(ctx context.Context, propertyID snowflake.ID) ([]ServiceHistory, error)
}

var (
	ErrInvalidID = apperr.New(apperr.KindValidation, "invalid_property_id")
	ErrNotFound  = apperr.New(apperr.KindNotFound, "property_not_found")
)
