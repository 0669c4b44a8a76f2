package ledger

import (
	"github.com/meterline/meterline/internal/ledger/repository"
	"github.com/meterline/meterline/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
