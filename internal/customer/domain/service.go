package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/pkg/apperr"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Customer, error)
}

var (
	ErrInvalidID = apperr.New(apperr.KindValidation, "invalid_customer_id")
	ErrNotFound  = apperr.New(apperr.KindNotFound, "customer_not_found")
)
