package product

import (
	"github.com/meterline/meterline/internal/product/repository"
	"github.com/meterline/meterline/internal/product/service"
	"go.uber.org/fx"
)

var Module = fx.Module("product.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
