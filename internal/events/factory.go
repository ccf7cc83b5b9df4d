package events

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/redis/go-redis/v9"
)

// New builds the publisher selected by cfg.Transport. The Redis client may
// be nil unless the redis transport is selected.
func New(ctx context.Context, cfg config.EventsConfig, redisClient *redis.Client) (Publisher, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("events: redis transport selected without a redis client")
		}
		return NewRedisPublisher(redisClient, cfg.Stream, cfg.MaxLen), nil
	case config.TransportSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("events: load aws config: %w", err)
		}
		return NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL), nil
	case config.TransportLog, "":
		return NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("events: unknown transport %q", cfg.Transport)
	}
}
