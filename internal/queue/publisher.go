package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	taskMessageType = "campaign.send_task"
	publisherAppID  = "campaign-dispatch"
)

// RabbitMQPublisher publishes claimed tasks. Messages carry a TTL equal to the
// claim timeout: a message still queued when its claim can be swept is
// dead-lettered by the broker instead of reaching a worker.
type RabbitMQPublisher struct {
	client     *RabbitMQ
	messageTTL time.Duration
}

// NewRabbitMQPublisher builds a publisher. messageTTL <= 0 disables expiry.
func NewRabbitMQPublisher(client *RabbitMQ, messageTTL time.Duration) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, messageTTL: messageTTL}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg TaskMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := p.publishing(msg, time.Now().UTC())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish task %s to queue %q: %w", msg.TaskID, queue, err)
	}
	return nil
}

func (p *RabbitMQPublisher) publishing(msg TaskMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid task message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal task message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now,
		Type:          taskMessageType,
		AppId:         publisherAppID,
		MessageId:     msg.TaskID + ":" + msg.ClaimToken,
		CorrelationId: msg.CorrelationID,
		Headers:       amqp.Table{"campaign_id": msg.CampaignID},
		Body:          payload,
	}
	if p.messageTTL > 0 {
		publishing.Expiration = strconv.FormatInt(p.messageTTL.Milliseconds(), 10)
	}
	return publishing, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
