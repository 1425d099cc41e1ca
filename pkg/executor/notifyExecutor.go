package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayops/actionqueue/pkg/broker"
)

// NotifyExecutor handles send_notification actions by publishing the action
// payload to the configured message broker. The action target selects the
// topic; the config may override routing.
type NotifyExecutor struct {
	broker broker.MessageBroker
}

func NewNotifyExecutor(b broker.MessageBroker) *NotifyExecutor {
	return &NotifyExecutor{broker: b}
}

type notifyConfig struct {
	Topic      string            `json:"topic"`
	RoutingKey string            `json:"routing_key"`
	Headers    map[string]string `json:"headers"`
}

func (n *NotifyExecutor) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	var cfg notifyConfig
	if len(inv.Config) > 0 {
		if err := json.Unmarshal(inv.Config, &cfg); err != nil {
			return nil, Terminal("invalid_config", fmt.Sprintf("parse action config: %v", err))
		}
	}

	topic := cfg.Topic
	if topic == "" {
		topic = inv.ActionTarget
	}
	if topic == "" {
		return nil, Terminal("invalid_config", "notification topic is empty")
	}

	headers := map[string]string{"owner_id": inv.OwnerID, "action_id": inv.ActionID}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	msg := &broker.Message{
		Topic:      topic,
		RoutingKey: cfg.RoutingKey,
		Payload:    inv.Payload,
		Headers:    headers,
	}
	if err := n.broker.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish notification: %w", err)
	}

	result, _ := json.Marshal(map[string]string{"topic": topic})
	return result, nil
}
