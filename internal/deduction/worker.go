package deduction

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/meterline/internal/config"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

type WorkerParams struct {
	fx.In

	Log      *zap.Logger
	Holder   *config.BillingConfigHolder
	Consumer *queue.Consumer
	Engine   *Engine
	Metrics  *metrics.Metrics
}

// Worker drains the usage streams into the engine. Messages are acked on
// success and on permanent failures; transient failures stay pending for
// redelivery.
type Worker struct {
	log      *zap.Logger
	holder   *config.BillingConfigHolder
	consumer *queue.Consumer
	engine   *Engine
	metrics  *metrics.Metrics
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		log:      p.Log.Named("deduction.worker"),
		holder:   p.Holder,
		consumer: p.Consumer,
		engine:   p.Engine,
		metrics:  p.Metrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	if err := w.consumer.EnsureGroups(ctx); err != nil {
		w.log.Error("creating consumer groups failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Warn("usage batch failed", zap.Error(err))
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batchSize := w.holder.Get().WorkerBatchSize
	msgs, err := w.consumer.Fetch(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	started := time.Now()
	processed := 0
	for _, msg := range msgs {
		err := w.engine.Apply(ctx, msg.Event)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrNoMatchingFeature):
			// Permanent: redelivery cannot fix a malformed or unroutable
			// event.
			w.log.Warn("discarding unprocessable usage event",
				zap.Error(err),
				zap.String("event_name", msg.Event.EventName))
		case errors.Is(err, ledgerdomain.ErrConflict):
			// Transient: leave pending for redelivery.
			w.log.Debug("usage event deferred on conflict",
				zap.String("id", msg.ID))
			continue
		default:
			w.log.Error("usage event failed",
				zap.Error(err),
				zap.String("id", msg.ID))
			continue
		}

		if err := w.consumer.Ack(ctx, msg); err != nil {
			w.log.Warn("ack failed", zap.Error(err), zap.String("id", msg.ID))
		}
	}
	w.metrics.DeductionBatchSeconds.Observe(time.Since(started).Seconds())
	return processed, nil
}

var WorkerModule = fx.Module("deduction.worker",
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
