package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL covers Mailgun's retry window for unacknowledged webhooks.
const DefaultDedupTTL = 72 * time.Hour

// Deduper filters webhook events that were already handled.
type Deduper interface {
	// First records key and reports whether this is its first sighting.
	First(ctx context.Context, key string) (bool, error)
}

// RedisDeduper remembers event ids with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper. A non-positive ttl uses DefaultDedupTTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) First(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, "mailflow:webhook:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return ok, nil
}
