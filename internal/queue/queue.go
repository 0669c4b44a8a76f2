// Package queue moves usage events from the ingestion boundary to the
// deduction worker over redis streams. A backup stream catches events when
// the primary publish fails; an event is never dropped, at the cost of
// global ordering between the two streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const payloadField = "payload"

// UsageEvent is the queue message consumed by the deduction worker.
type UsageEvent struct {
	OrgID      string `json:"org_id"`
	Env        string `json:"env"`
	CustomerID string `json:"customer_id"`

	EventName  string            `json:"event_name"`
	Value      float64           `json:"value"`
	Properties map[string]string `json:"properties,omitempty"`

	// AddGroups / RemoveGroups carry linked-feature semantics: allocate or
	// tombstone keyed sub-balances instead of deducting.
	AddGroups    []string `json:"add_groups,omitempty"`
	RemoveGroups []string `json:"remove_groups,omitempty"`
}

var ErrPublishFailed = errors.New("usage_event_publish_failed")

type ProducerParams struct {
	fx.In

	Redis   *redis.Client
	Log     *zap.Logger
	Holder  *config.BillingConfigHolder
	Metrics *metrics.Metrics
}

type Producer struct {
	rdb     *redis.Client
	log     *zap.Logger
	holder  *config.BillingConfigHolder
	metrics *metrics.Metrics
}

func NewProducer(p ProducerParams) *Producer {
	return &Producer{
		rdb:     p.Redis,
		log:     p.Log.Named("queue.producer"),
		holder:  p.Holder,
		metrics: p.Metrics,
	}
}

// Publish enqueues the event on the primary stream, falling back to the
// backup stream once before failing.
func (p *Producer) Publish(ctx context.Context, event UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}

	cfg := p.holder.Get()
	primaryErr := p.add(ctx, cfg.UsageStream, payload)
	if primaryErr == nil {
		p.metrics.UsageEventsPublished.WithLabelValues("primary").Inc()
		return nil
	}

	p.log.Warn("primary stream publish failed, trying backup",
		zap.Error(primaryErr),
		zap.String("stream", cfg.UsageStream),
	)
	p.metrics.UsageQueueFallbacks.Inc()

	if backupErr := p.add(ctx, cfg.UsageBackupStream, payload); backupErr != nil {
		p.log.Error("backup stream publish failed, event lost to caller",
			zap.Error(backupErr),
			zap.String("stream", cfg.UsageBackupStream),
		)
		return errors.Join(ErrPublishFailed, primaryErr, backupErr)
	}

	p.metrics.UsageEventsPublished.WithLabelValues("backup").Inc()
	return nil
}

func (p *Producer) add(ctx context.Context, stream string, payload []byte) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}
