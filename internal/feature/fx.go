package feature

import (
	"github.com/meterline/meterline/internal/feature/repository"
	"github.com/meterline/meterline/internal/feature/service"
	"go.uber.org/fx"
)

var Module = fx.Module("feature.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
