package provider

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nlc-ai/mailflow/internal/domain"
)

const bulkConcurrency = 5

// sendAll runs send for every message with bounded concurrency. Each send
// settles on its own; a failure never stops the others. Results keep the
// input order.
func sendAll(ctx context.Context, msgs []*domain.Message, send func(context.Context, *domain.Message) DeliveryResult) []DeliveryResult {
	results := make([]DeliveryResult, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, m := range msgs {
		g.Go(func() error {
			results[i] = send(gctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
