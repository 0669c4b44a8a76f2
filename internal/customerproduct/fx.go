package customerproduct

import (
	"github.com/meterline/meterline/internal/customerproduct/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("customerproduct.repository",
	fx.Provide(repository.Provide),
)
