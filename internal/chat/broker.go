package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeliveryChannel is the Redis channel every instance listens on.
const DeliveryChannel = "chat:deliveries"

var errSubscriptionClosed = errors.New("subscription closed")

// Envelope is a rendered event and the rooms it goes to.
type Envelope struct {
	Rooms   []string        `json:"rooms"`
	Payload json.RawMessage `json:"payload"`
}

// Broker carries envelopes between instances.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, calling deliver for every envelope, until ctx is done
	// or the subscription breaks.
	Subscribe(ctx context.Context, deliver func(Envelope)) error
}

// RedisBroker fans envelopes out through Redis pub/sub so that a message
// written on one instance reaches sockets held by any other.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisBroker(rdb *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		channel: DeliveryChannel,
		log:     log.With().Str("component", "broker").Logger(),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.log.Info().Str("channel", b.channel).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			deliver(env)
		}
	}
}
