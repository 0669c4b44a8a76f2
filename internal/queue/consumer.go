package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/meterline/meterline/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	consumerGroup = "deduction-workers"
	blockTimeout  = 2 * time.Second
)

// Message is one delivered usage event plus the coordinates needed to ack it.
type Message struct {
	Stream string
	ID     string
	Event  UsageEvent
}

type ConsumerParams struct {
	fx.In

	Redis  *redis.Client
	Log    *zap.Logger
	Holder *config.BillingConfigHolder
}

type Consumer struct {
	rdb      *redis.Client
	log      *zap.Logger
	holder   *config.BillingConfigHolder
	consumer string
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		rdb:      p.Redis,
		log:      p.Log.Named("queue.consumer"),
		holder:   p.Holder,
		consumer: "worker-" + time.Now().UTC().Format("20060102150405.000000000"),
	}
}

func (c *Consumer) streams() []string {
	cfg := c.holder.Get()
	return []string{cfg.UsageStream, cfg.UsageBackupStream}
}

// EnsureGroups creates the consumer group on both streams, tolerating
// already-exists replies.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams() {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return err
		}
	}
	return nil
}

// Fetch blocks briefly for up to count messages across the primary and
// backup streams. Events within one stream arrive in order; cross-stream
// ordering is not guaranteed.
func (c *Consumer) Fetch(ctx context.Context, count int) ([]Message, error) {
	streams := c.streams()
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: c.consumer,
		Streams:  append(streams, ">", ">"),
		Count:    int64(count),
		Block:    blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for _, stream := range res {
		for _, raw := range stream.Messages {
			event, decodeErr := decode(raw.Values)
			if decodeErr != nil {
				// Poison message: ack it away and keep the stream moving.
				c.log.Error("dropping undecodable usage event",
					zap.Error(decodeErr),
					zap.String("stream", stream.Stream),
					zap.String("id", raw.ID),
				)
				_ = c.Ack(ctx, Message{Stream: stream.Stream, ID: raw.ID})
				continue
			}
			msgs = append(msgs, Message{Stream: stream.Stream, ID: raw.ID, Event: event})
		}
	}
	return msgs, nil
}

func (c *Consumer) Ack(ctx context.Context, msg Message) error {
	return c.rdb.XAck(ctx, msg.Stream, consumerGroup, msg.ID).Err()
}

func decode(values map[string]any) (UsageEvent, error) {
	var event UsageEvent
	raw, ok := values[payloadField]
	if !ok {
		return event, errors.New("missing payload field")
	}
	text, ok := raw.(string)
	if !ok {
		return event, errors.New("payload is not a string")
	}
	if err := json.Unmarshal([]byte(text), &event); err != nil {
		return event, err
	}
	return event, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

var Module = fx.Module("queue",
	fx.Provide(NewProducer),
	fx.Provide(NewConsumer),
)
