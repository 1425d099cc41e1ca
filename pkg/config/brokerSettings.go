package config

// BrokerSettings holds configuration for the notification broker used by the
// send_notification executor.
type BrokerSettings struct {
	Type      string `mapstructure:"type"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"projectID"` // Optional for brokers like GCP Pub/Sub
	PoolSize  int    `mapstructure:"pool_size"` // RabbitMQ channel pool size
}
