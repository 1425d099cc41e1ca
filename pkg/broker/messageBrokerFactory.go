package broker

import (
	"context"
	"fmt"

	"github.com/relayops/actionqueue/pkg/config"
)

// NewBroker builds the MessageBroker selected by the broker settings.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		broker, err := NewRabbitMqBroker(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return broker, nil
	case "pubsub":
		broker, err := NewPubSubClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
