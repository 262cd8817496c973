package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/messaging"
)

const payloadField = "payload"

type Config struct {
	URL string
	// ClaimMinIdle is how long a pending message may sit unacked before
	// another consumer may claim it. Must exceed worst-case processing
	// latency (inference included) or messages get processed twice while
	// still in flight.
	ClaimMinIdle time.Duration
	// MaxDeliveries moves a message to the <stream>:dead stream once its
	// delivery count exceeds this value.
	MaxDeliveries int64
	BatchSize     int64
	Block         time.Duration
	PoolSize      int
	MinIdleConns  int
}

// StreamQueue implements messaging.Queue on Redis Streams with consumer
// groups. XACK on completion gives at-least-once delivery; XAUTOCLAIM with
// ClaimMinIdle is the visibility-timeout analogue.
type StreamQueue struct {
	client *redis.Client
	cfg    Config
	logger *zerolog.Logger
}

func NewStreamQueue(cfg Config, logger *zerolog.Logger) (*StreamQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 5 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &StreamQueue{client: client, cfg: cfg, logger: logger}, nil
}

func (q *StreamQueue) Publish(ctx context.Context, stream string, payload []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// Consume blocks until ctx is cancelled, processing messages one at a time.
func (q *StreamQueue) Consume(ctx context.Context, stream, group, consumer string, handler messaging.Handler) error {
	if err := q.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Reclaim messages whose consumer died mid-processing before
		// reading new ones, so stuck work is retried first.
		claimed, err := q.claimStale(ctx, stream, group, consumer)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error().Err(err).Str("stream", stream).Msg("autoclaim failed")
		}
		for _, msg := range claimed {
			q.process(ctx, stream, group, msg, handler)
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error().Err(err).Str("stream", stream).Msg("read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			for _, xm := range sr.Messages {
				q.process(ctx, stream, group, toMessage(xm, 1), handler)
			}
		}
	}
}

func (q *StreamQueue) ensureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (q *StreamQueue) claimStale(ctx context.Context, stream, group, consumer string) ([]messaging.Message, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := q.deliveryCounts(ctx, stream, group, msgs)

	out := make([]messaging.Message, 0, len(msgs))
	for _, xm := range msgs {
		out = append(out, toMessage(xm, counts[xm.ID]))
	}
	return out, nil
}

func (q *StreamQueue) deliveryCounts(ctx context.Context, stream, group string, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (q *StreamQueue) process(ctx context.Context, stream, group string, msg messaging.Message, handler messaging.Handler) {
	if msg.DeliveryCount > q.cfg.MaxDeliveries {
		q.deadLetter(ctx, stream, group, msg)
		return
	}

	err := handler(ctx, msg)
	if err == nil {
		q.ack(ctx, stream, group, msg.ID)
		return
	}

	if pkgerrors.IsRetryable(err) {
		// Leave pending; XAUTOCLAIM redelivers after ClaimMinIdle.
		q.logger.Warn().Err(err).
			Str("stream", stream).
			Str("message_id", msg.ID).
			Int64("delivery", msg.DeliveryCount).
			Msg("message failed, awaiting redelivery")
		return
	}

	q.logger.Error().Err(err).
		Str("stream", stream).
		Str("message_id", msg.ID).
		Str("kind", pkgerrors.KindOf(err).String()).
		Msg("message dropped")
	q.ack(ctx, stream, group, msg.ID)
}

func (q *StreamQueue) deadLetter(ctx context.Context, stream, group string, msg messaging.Message) {
	dead := stream + ":dead"
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dead,
		Values: map[string]interface{}{payloadField: msg.Payload, "origin_id": msg.ID},
	}).Err(); err != nil {
		q.logger.Error().Err(err).Str("stream", dead).Str("message_id", msg.ID).Msg("dead-letter publish failed")
		return
	}
	q.logger.Warn().Str("stream", stream).Str("message_id", msg.ID).Int64("deliveries", msg.DeliveryCount).Msg("message moved to dead-letter stream")
	q.ack(ctx, stream, group, msg.ID)
}

func (q *StreamQueue) ack(ctx context.Context, stream, group, id string) {
	if err := q.client.XAck(ctx, stream, group, id).Err(); err != nil {
		q.logger.Error().Err(err).Str("stream", stream).Str("message_id", id).Msg("ack failed")
	}
}

func (q *StreamQueue) Close() error {
	return q.client.Close()
}

func toMessage(xm redis.XMessage, deliveryCount int64) messaging.Message {
	var payload []byte
	if raw, ok := xm.Values[payloadField]; ok {
		if s, ok := raw.(string); ok {
			payload = []byte(s)
		}
	}
	if deliveryCount <= 0 {
		deliveryCount = 1
	}
	return messaging.Message{ID: xm.ID, Payload: payload, DeliveryCount: deliveryCount}
}
