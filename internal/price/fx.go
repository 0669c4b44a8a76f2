package price

import (
	"github.com/meterline/meterline/internal/price/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("price.repository",
	fx.Provide(repository.Provide),
)
