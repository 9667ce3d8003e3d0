package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
)

const publishTimeout = 5 * time.Second

// EventPublisher hands an accepted tracking event to whatever records it.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.TrackingEvent) error
}

// EventRecorder applies a tracking event to campaign counters. The bool
// reports whether the event changed anything (false for duplicates).
type EventRecorder interface {
	RecordEvent(ctx context.Context, evt domain.TrackingEvent) (bool, error)
}

// SQSSender is the subset of the SQS client used by Publisher.
type SQSSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher writes tracking events to an SQS queue as JSON.
type Publisher struct {
	client   SQSSender
	queueURL string
}

func NewPublisher(client SQSSender, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

func (p *Publisher) Publish(ctx context.Context, evt domain.TrackingEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal tracking event: %w", err)
	}

	// The request context may end as soon as the pixel is served.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(evt.EventType))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish tracking event: %w", err)
	}
	return nil
}

// Direct records events in-process, skipping the queue. Used when the API
// server runs without SQS.
func Direct(rec EventRecorder) EventPublisher {
	return directPublisher{rec: rec}
}

type directPublisher struct {
	rec EventRecorder
}

func (d directPublisher) Publish(ctx context.Context, evt domain.TrackingEvent) error {
	_, err := d.rec.RecordEvent(ctx, evt)
	return err
}
