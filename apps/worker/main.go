package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/customer"
	"github.com/meterline/meterline/internal/customerproduct"
	"github.com/meterline/meterline/internal/deduction"
	"github.com/meterline/meterline/internal/feature"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/ledger"
	"github.com/meterline/meterline/internal/locker"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/migration"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/payment"
	"github.com/meterline/meterline/internal/price"
	"github.com/meterline/meterline/internal/product"
	"github.com/meterline/meterline/internal/proration"
	"github.com/meterline/meterline/internal/queue"
	"github.com/meterline/meterline/internal/redis"
	"github.com/meterline/meterline/internal/scheduler"
	"github.com/meterline/meterline/pkg/db"
	"go.uber.org/fx"
)

// The worker consumes usage events from the redis streams and applies
// deductions; it shares the datastore with the API but serves no HTTP.
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

		deduction.Module,
		deduction.WorkerModule,
		scheduler.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
