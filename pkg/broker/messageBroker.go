package broker

import "context"

// Message is one notification to deliver to a broker topic or exchange.
type Message struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Headers    map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to its topic or exchange with optional headers.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}
