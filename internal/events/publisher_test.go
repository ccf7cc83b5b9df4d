package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() domain.Event {
	msg := &domain.Message{
		ID:          "msg-1",
		To:          []string{"lead@example.com"},
		Subject:     "Welcome",
		Correlation: domain.Correlation{LeadID: "lead-1", CoachID: "coach-1"},
	}
	return domain.NewEvent(domain.EventEmailSent, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.NewMessageEvent(msg))
}

func TestEncodeEnvelope(t *testing.T) {
	data, err := Encode(sampleEvent())
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "email.sent", env["event_type"])
	assert.Equal(t, float64(domain.EventSchemaVersion), env["schema_version"])
	payload := env["payload"].(map[string]any)
	assert.Equal(t, "msg-1", payload["message_id"])
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "email-events", 1000)
	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))

	entries, err := client.XRange(context.Background(), "email-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "email.sent", entries[0].Values["event_type"])
	assert.Contains(t, entries[0].Values["envelope"], `"message_id":"msg-1"`)
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSPublisher(t *testing.T) {
	fake := &fakeSQS{}
	pub := NewSQSPublisher(fake, "https://sqs.local/queue")
	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "https://sqs.local/queue", *in.QueueUrl)
	assert.Equal(t, "email.sent", *in.MessageAttributes["event_type"].StringValue)
	assert.Contains(t, *in.MessageBody, `"event_type":"email.sent"`)

	fake.err = errors.New("throttled")
	assert.Error(t, pub.Publish(context.Background(), sampleEvent()))
}

func TestMemoryPublisherOfType(t *testing.T) {
	pub := NewMemoryPublisher()
	Emit(context.Background(), pub, sampleEvent())
	Emit(context.Background(), pub, domain.NewEvent(domain.EventEmailOpened, time.Now(), nil))

	assert.Len(t, pub.Events(), 2)
	assert.Len(t, pub.OfType(domain.EventEmailOpened), 1)
	assert.Empty(t, pub.OfType(domain.EventEmailBounced))
}

func TestNewSelectsTransport(t *testing.T) {
	pub, err := New(context.Background(), config.EventsConfig{Transport: config.TransportLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, pub)

	_, err = New(context.Background(), config.EventsConfig{Transport: config.TransportRedis}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), config.EventsConfig{Transport: "kafka"}, nil)
	assert.Error(t, err)
}
