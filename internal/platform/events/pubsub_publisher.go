package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/campusdash/api/internal/domain"
)

// PubSubPublisher publishes delivery events to a Pub/Sub topic. The shop ID is used as ordering key
// so consumers observe one shop's transitions in commit order when ordering is enabled on the topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	ordered bool
}

// NewPubSubPublisher constructs a Pub/Sub backed delivery event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		ordered: topic.EnableMessageOrdering,
	}, nil
}

// Publish sends the event and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, event domain.DeliveryEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	msg, data, err := encode(event)
	if err != nil {
		return err
	}

	out := &pubsub.Message{
		Data:       data,
		Attributes: attributes(msg),
	}
	if p.ordered {
		out.OrderingKey = msg.ShopID
	}

	result := p.topic.Publish(ctx, out)
	if _, err := result.Get(ctx); err != nil {
		if p.ordered && msg.ShopID != "" {
			p.topic.ResumePublish(msg.ShopID)
		}
		return fmt.Errorf("publish delivery event %s: %w", msg.Type, err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *PubSubPublisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	return nil
}
