package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nlc-ai/mailflow/internal/domain"
)

// SQSAPI is the slice of the SQS client the publisher needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as one SQS message. The event type and
// schema version travel as message attributes so consumers can filter
// without decoding the body.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher creates a publisher for the given queue.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, evt domain.Event) error {
	body, err := Encode(evt)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.EventType)),
			},
			"schema_version": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(evt.SchemaVersion)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", evt.EventType, err)
	}
	return nil
}
