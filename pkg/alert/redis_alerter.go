package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the Redis channel alerts are published on.
const DefaultChannel = "phiguard:alerts"

// RedisAlerter publishes alerts as JSON on a Redis channel.
type RedisAlerter struct {
	client  *redis.Client
	channel string
}

// NewRedisAlerter publishes on channel, or DefaultChannel if empty.
func NewRedisAlerter(client *redis.Client, channel string) *RedisAlerter {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisAlerter{client: client, channel: channel}
}

func (r *RedisAlerter) Raise(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
