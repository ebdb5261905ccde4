package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/rechargekit/automation/internal/services"
)

// PubSubAutomationPublisher publishes automation lifecycle events to a
// Pub/Sub topic. Downstream systems (CRM sync, notification fan-out) key off
// the event attribute without decoding the payload.
type PubSubAutomationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubAutomationPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubAutomationPublisher(topic *pubsub.Topic) (*PubSubAutomationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub automation publisher: topic is required")
	}
	return &PubSubAutomationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishAutomationEvent enqueues a lifecycle event on the configured topic.
func (p *PubSubAutomationPublisher) PublishAutomationEvent(ctx context.Context, event services.AutomationEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub automation publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal automation event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "state", event.State)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish automation event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
