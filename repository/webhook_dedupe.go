package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDeduper remembers processed webhook event ids.
type WebhookDeduper interface {
	// MarkNew records key and reports whether it had not been seen.
	MarkNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type RedisWebhookDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisWebhookDeduper(client redis.Cmdable, ttl time.Duration) *RedisWebhookDeduper {
	return &RedisWebhookDeduper{client: client, ttl: ttl}
}

func (d *RedisWebhookDeduper) MarkNew(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, "payments:webhook:"+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *RedisWebhookDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, "payments:webhook:"+key).Err()
}
