// Package bus implements the cross-instance audio-event bus described in
// §4.2/§6: a Redis Pub/Sub topic that lets whichever replica owns a
// channel's overlay clients fulfil audio regardless of which replica
// received the triggering chat message or webhook.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ttsrelay/core/pkg/types"
)

// Topic is the single Redis Pub/Sub channel all replicas publish to and
// subscribe on.
const Topic = "tts-events"

// idleResubscribeInterval honors the auto-expiry contract of §6: Redis
// Pub/Sub subscriptions have no built-in TTL, so each replica re-subscribes
// on this ticker to match the documented 10-minute expiry.
const idleResubscribeInterval = 10 * time.Minute

// Bus publishes and subscribes to audio-event envelopes over Redis Pub/Sub.
type Bus struct {
	rdb        *redis.Client
	replicaTag string
}

// New wraps an existing Redis client. replicaTag is combined with a random
// suffix to build a unique per-replica subscription name, matching §6's
// "unique random suffix (uuid.NewString())" requirement.
func New(rdb *redis.Client, replicaTag string) *Bus {
	return &Bus{rdb: rdb, replicaTag: replicaTag}
}

// Publish sends env to every subscribed replica.
func (b *Bus) Publish(ctx context.Context, env types.BusEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, Topic, raw).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Handler receives envelopes delivered to this replica's subscription.
type Handler func(types.BusEnvelope)

// Subscribe runs until ctx is canceled, invoking handle for every envelope
// received. It re-subscribes after 10 minutes in which no envelope arrived,
// to honor the documented idle auto-expiry contract even though the
// underlying transport has no native subscription TTL.
func (b *Bus) Subscribe(ctx context.Context, handle Handler) error {
	subName := fmt.Sprintf("%s-%s", b.replicaTag, uuid.NewString())
	logger := slog.With("component", "bus", "subscription", subName)

	for {
		if err := b.runOneSubscription(ctx, subName, handle, logger); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		logger.Info("bus subscription idle timeout, re-subscribing")
	}
}

func (b *Bus) runOneSubscription(ctx context.Context, subName string, handle Handler, logger *slog.Logger) error {
	sub := b.rdb.Subscribe(ctx, Topic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %q: %w", subName, err)
	}

	ch := sub.Channel()
	ticker := time.NewTicker(idleResubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env types.BusEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("bus: dropping malformed envelope", "error", err)
				continue
			}
			ticker.Reset(idleResubscribeInterval)
			handle(env)
		}
	}
}
