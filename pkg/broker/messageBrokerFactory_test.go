package broker

import (
	"context"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/relayops/actionqueue/pkg/config"
	"google.golang.org/api/option"
)

type fakeBroker struct{}

func (f *fakeBroker) Publish(ctx context.Context, msg *Message) error { return nil }
func (f *fakeBroker) Close() error                                    { return nil }

func TestNewBroker_RabbitMQ(t *testing.T) {
	orig := NewRabbitMqBroker
	defer func() { NewRabbitMqBroker = orig }()

	var gotSettings *config.BrokerSettings
	NewRabbitMqBroker = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
		gotSettings = settings
		return &fakeBroker{}, nil
	}

	cfg := &config.BrokerSettings{Type: "rabbitmq", URL: "amqp://localhost", PoolSize: 2}
	b, err := NewBroker(context.Background(), cfg)
	assert.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, cfg, gotSettings)
}

func TestNewBroker_PubSub(t *testing.T) {
	orig := NewPubSubClient
	defer func() { NewPubSubClient = orig }()

	NewPubSubClient = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
		return &fakeBroker{}, nil
	}

	b, err := NewBroker(context.Background(), &config.BrokerSettings{Type: "pubsub", ProjectID: "p"})
	assert.NoError(t, err)
	assert.NotNil(t, b)
}

func TestNewBroker_UnsupportedType(t *testing.T) {
	_, err := NewBroker(context.Background(), &config.BrokerSettings{Type: "kafka"})
	assert.ErrorContains(t, err, "unsupported broker type")
}

func TestNewRabbitMqBroker_InvalidPoolSize(t *testing.T) {
	_, err := NewRabbitMqBroker(context.Background(), &config.BrokerSettings{Type: "rabbitmq", PoolSize: 0})
	assert.ErrorContains(t, err, "poolSize")
}

func TestReleaseChannel_DiscardsClosed(t *testing.T) {
	b := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, 1),
		settings:        &config.BrokerSettings{PoolSize: 1},
		reconnectTicker: time.NewTicker(time.Hour),
		stopReconnect:   make(chan struct{}),
	}

	pooled := &pooledChannel{notifyClose: make(chan *amqp.Error, 1)}
	pooled.notifyClose <- amqp.ErrClosed

	// A closed channel is dropped, never returned to the pool.
	b.releaseChannel(pooled)
	assert.Len(t, b.channelPool, 0)
}

func TestRecoverConnection_Stop(t *testing.T) {
	b := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, 1),
		settings:        &config.BrokerSettings{PoolSize: 1},
		reconnectTicker: time.NewTicker(10 * time.Millisecond),
		stopReconnect:   make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		b.recoverConnection()
		close(done)
	}()
	close(b.stopReconnect)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recoverConnection did not stop")
	}
}
