package customer

import (
	"github.com/meterline/meterline/internal/customer/repository"
	"github.com/meterline/meterline/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
