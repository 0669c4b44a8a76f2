package organization

import (
	"github.com/meterline/meterline/internal/organization/repository"
	"github.com/meterline/meterline/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
