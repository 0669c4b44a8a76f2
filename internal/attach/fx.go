package attach

import (
	"github.com/meterline/meterline/internal/attach/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attach.service",
	fx.Provide(service.New),
)
