package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis fans messages out through a Redis pub/sub channel so that every
// server instance delivers to its own members.
type Redis struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	deliver DeliverFunc
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedis subscribes to channel and starts delivering what arrives. It
// returns once the subscription is confirmed.
func NewRedis(ctx context.Context, client *redis.Client, channel string, deliver DeliverFunc, logger *slog.Logger) (*Redis, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel '%s': %w", channel, err)
	}

	r := &Redis{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		deliver: deliver,
		logger:  logger.With(slog.String("component", "broker_redis"), slog.String("channel", channel)),
	}
	r.wg.Add(1)
	go r.receive()
	r.logger.Info("Redis broker subscribed")
	return r, nil
}

func (r *Redis) receive() {
	defer r.wg.Done()
	for m := range r.pubsub.Channel() {
		msg, err := decodeMessage(m.Payload)
		if err != nil {
			r.logger.Warn("Dropping malformed broker message", slog.Any("error", err))
			continue
		}
		r.deliver(msg)
	}
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}

func decodeMessage(payload string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return Message{}, err
	}
	if msg.Room == "" {
		return Message{}, fmt.Errorf("broker message has no room")
	}
	return msg, nil
}
