package events

import (
	"context"
	"fmt"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to a Redis stream. The stream is trimmed
// approximately to maxLen entries.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher writing to the given stream.
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_type":     string(evt.EventType),
			"schema_version": evt.SchemaVersion,
			"envelope":       string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
