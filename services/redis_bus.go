package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-reservations/realtime"
)

// RedisBus fans envelopes out through a redis channel. Every replica's change
// monitor publishes to it and every replica forwards what it receives to its
// own hub, so a client sees changes made through any replica.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewRedisBus(redisURL, channel string, log logrus.FieldLogger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis bus: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBus{
		rdb:     redis.NewClient(opts),
		channel: channel,
		log:     log.WithField("component", "redis_bus"),
	}, nil
}

// Ping checks the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis bus: publish %s: %w", env.Type, err)
	}
	return nil
}

// Forward relays every envelope on the channel to dst until ctx is done.
func (b *RedisBus) Forward(ctx context.Context, dst Publisher) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis bus: subscribe %s: %w", b.channel, err)
	}
	b.log.WithField("channel", b.channel).Info("listening for events")
	return relay(ctx, sub.Channel(), dst, b.log)
}

func (b *RedisBus) Close() error { return b.rdb.Close() }

func relay(ctx context.Context, msgs <-chan *redis.Message, dst Publisher, log logrus.FieldLogger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env realtime.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).Warn("dropping malformed event")
				continue
			}
			if err := dst.Publish(ctx, env); err != nil {
				log.WithError(err).WithField("type", env.Type).Warn("forwarding event")
			}
		}
	}
}
