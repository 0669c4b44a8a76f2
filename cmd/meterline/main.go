package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/attach"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/customer"
	"github.com/meterline/meterline/internal/customerproduct"
	"github.com/meterline/meterline/internal/feature"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/ledger"
	"github.com/meterline/meterline/internal/locker"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/migration"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/organization"
	"github.com/meterline/meterline/internal/payment"
	"github.com/meterline/meterline/internal/price"
	"github.com/meterline/meterline/internal/product"
	"github.com/meterline/meterline/internal/proration"
	"github.com/meterline/meterline/internal/queue"
	"github.com/meterline/meterline/internal/redis"
	"github.com/meterline/meterline/internal/server"
	"github.com/meterline/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
		redis.Module,
		locker.Module,
		clock.Module,

		organization.Module,
		customer.Module,
		feature.Module,
		product.Module,
		price.Module,
		customerproduct.Module,
		ledger.Module,
		invoice.Module,
		queue.Module,
		payment.Module,
		proration.Module,
		attach.Module,

		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
