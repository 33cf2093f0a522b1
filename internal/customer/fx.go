package customer

import (
	"github.com/smallbiznis/propbill/internal/customer/repository"
	"github.com/smallbiznis/propbill/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
