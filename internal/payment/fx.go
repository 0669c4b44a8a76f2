package payment

import (
	"github.com/meterline/meterline/internal/payment/stripe"
	"github.com/meterline/meterline/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	stripe.Module,
	webhook.Module,
)
