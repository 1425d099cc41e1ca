package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Broker        BrokerSettings `mapstructure:"broker"`
	Queue         QueueSettings  `mapstructure:"queue"`
	HTTPAddr      string         `mapstructure:"http_addr"`
	Observability Observability  `mapstructure:"observability"`
}

// QueueSettings tunes the dispatcher and sweeper loops.
type QueueSettings struct {
	Workers            int             `mapstructure:"workers" validate:"min=1"`
	PollInterval       time.Duration   `mapstructure:"poll_interval"`
	SweepInterval      time.Duration   `mapstructure:"sweep_interval"`
	ExecutorTimeout    time.Duration   `mapstructure:"executor_timeout"`
	ShutdownTimeout    time.Duration   `mapstructure:"shutdown_timeout"`
	DefaultMaxAttempts int             `mapstructure:"default_max_attempts" validate:"min=1"`
	DefaultBackoff     []time.Duration `mapstructure:"default_backoff"`
	DefaultPriority    int             `mapstructure:"default_priority" validate:"min=1,max=10"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("dispatcher")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "dispatcher."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging environment config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("queue.workers", 2)
	viper.SetDefault("queue.poll_interval", time.Second)
	viper.SetDefault("queue.sweep_interval", 30*time.Second)
	viper.SetDefault("queue.executor_timeout", 30*time.Second)
	viper.SetDefault("queue.shutdown_timeout", 15*time.Second)
	viper.SetDefault("queue.default_max_attempts", 3)
	viper.SetDefault("queue.default_backoff", []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second})
	viper.SetDefault("queue.default_priority", 5)
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ACTIONQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like ACTIONQ_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("database.collection")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("queue.workers")
	viper.BindEnv("queue.poll_interval")
	viper.BindEnv("queue.sweep_interval")
	viper.BindEnv("queue.executor_timeout")
	viper.BindEnv("queue.shutdown_timeout")
	viper.BindEnv("queue.default_max_attempts")
	viper.BindEnv("queue.default_priority")
	viper.BindEnv("http_addr")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
