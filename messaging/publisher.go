package messaging

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/orderhub/config"
	"example.com/orderhub/eventstore"
)

// Publisher delivers event notifications to Azure Service Bus so that other
// processes learn about new events. Delivery is at-least-once at best; the
// event log remains the source of truth and publishing failures never undo
// an append.
type Publisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

// NewPublisher creates a Service Bus publisher for the configured topic.
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.TopicName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &Publisher{client: client, sender: sender}, nil
}

// PublishEvent sends one event notification. The aggregate id doubles as
// the session id so consumers see a single aggregate's events in order.
func (p *Publisher) PublishEvent(ctx context.Context, event *eventstore.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event notification")
	}

	sessionID := event.AggregateID
	message := &azservicebus.Message{
		MessageID: &event.ID,
		Body:      body,
		SessionID: &sessionID,
		ApplicationProperties: map[string]interface{}{
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
		},
	}

	if err := p.sender.SendMessage(ctx, message, nil); err != nil {
		return errors.Wrap(err, "failed to publish event notification")
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", event.EventType).
		Msg("Event notification published")

	return nil
}

// Close releases the sender and client.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.sender.Close(ctx); err != nil {
		return errors.Wrap(err, "failed to close Service Bus sender")
	}
	return errors.Wrap(p.client.Close(ctx), "failed to close Service Bus client")
}
