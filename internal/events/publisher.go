// Package events publishes the pipeline's domain events ({event_type,
// schema_version, payload} envelopes) to an external bus. Consumers of the
// bus are outside this repository.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
)

// Publisher delivers domain events. Implementations must be safe for
// concurrent use. A publish failure never rolls back the state change that
// produced the event; callers log and move on.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Encode serializes an envelope the same way for every transport.
func Encode(evt domain.Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", evt.EventType, err)
	}
	return data, nil
}

// LogPublisher writes events to the structured log. It is the default
// transport for local runs.
type LogPublisher struct{}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (LogPublisher) Publish(_ context.Context, evt domain.Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	logger.Info("domain event", "event_type", evt.EventType, "envelope", string(data))
	return nil
}

// MemoryPublisher keeps events in memory. Tests use it to assert what the
// pipeline emitted.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

// OfType returns the published events of one type.
func (p *MemoryPublisher) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range p.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Emit publishes evt and logs instead of returning a failure. It is the
// helper every producer uses so an unreachable bus never fails delivery or
// webhook processing.
func Emit(ctx context.Context, p Publisher, evt domain.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		logger.Error("publish event failed", "event_type", evt.EventType, "error", err)
	}
}
