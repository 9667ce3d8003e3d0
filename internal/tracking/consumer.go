package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// SQSReceiver is the subset of the SQS client used by Consumer.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls the tracking queue and records each event. Messages
// that may succeed later stay on the queue and come back after their
// visibility timeout.
type Consumer struct {
	client     SQSReceiver
	queueURL   string
	rec        EventRecorder
	waitTime   int32
	errorDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(client SQSReceiver, queueURL string, rec EventRecorder) *Consumer {
	return &Consumer{
		client:     client,
		queueURL:   queueURL,
		rec:        rec,
		waitTime:   20,
		errorDelay: 5 * time.Second,
		done:       make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	logger.Info("tracking consumer started", "queue", c.queueURL)
	c.wg.Add(1)
	go c.poll(ctx)
}

// Stop ends polling and waits for the current batch to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("tracking queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.errorDelay):
			}
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages removed from the queue.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		if !c.handle(ctx, msg) {
			continue
		}
		if c.deleteMessage(ctx, msg.ReceiptHandle) {
			deleted++
		}
	}
	return deleted, nil
}

// handle records one message and reports whether it should be deleted.
func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	var evt domain.TrackingEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
		logger.Warn("dropping malformed tracking message", "message_id", aws.ToString(msg.MessageId), "error", err)
		return true
	}

	applied, err := c.rec.RecordEvent(ctx, evt)
	switch {
	case err == nil:
		if !applied {
			logger.Debug("duplicate tracking event", "campaign_id", evt.CampaignID, "contact_id", evt.ContactID, "event", evt.EventType)
		}
		return true
	case errors.Is(err, campaign.ErrInvalidEvent),
		errors.Is(err, campaign.ErrUnknownRecipient),
		errors.Is(err, campaign.ErrRecipientFailed),
		errors.Is(err, campaign.ErrNotFound):
		logger.Warn("dropping tracking event", "campaign_id", evt.CampaignID, "contact_id", evt.ContactID, "event", evt.EventType, "error", err)
		return true
	default:
		// ErrNotSent lands here: the recipient is still pending and its
		// send outcome may not be persisted yet.
		logger.Warn("tracking event deferred", "campaign_id", evt.CampaignID, "contact_id", evt.ContactID, "event", evt.EventType, "error", err)
		return false
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Error("tracking message delete failed", "error", err)
		return false
	}
	return true
}
