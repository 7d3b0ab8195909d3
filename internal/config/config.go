package config

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds all application configuration.
// Both the producer and the consumer process load the same structure and use
// the groups relevant to them.
type Config struct {
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Queues   QueueConfig    `mapstructure:"queues" validate:"required"`
	Consumer ConsumerConfig `mapstructure:"consumer" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// BrokerConfig contains the RabbitMQ connection settings and the reconnect policy.
type BrokerConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost" validate:"required"`

	// RetryInterval is the delay before the first background reconnect attempt.
	// Subsequent delays double up to MaxRetryInterval.
	RetryInterval    time.Duration `mapstructure:"retry_interval" validate:"required,gt=0"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval" validate:"required,gtefield=RetryInterval"`

	// MaxSyncAttempts is the number of consecutive failures after which
	// in-band Connect calls stop dialing and leave recovery to the background loop.
	MaxSyncAttempts int `mapstructure:"max_sync_attempts" validate:"required,gt=0"`

	// OperationTimeout bounds each dial and publish.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"required,gt=0"`
}

// URL returns the AMQP connection string for the broker.
func (b BrokerConfig) URL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.User,
		Password: b.Password,
		Vhost:    b.VHost,
	}
	return uri.String()
}

// QueueConfig names the durable queues used by the pipeline.
type QueueConfig struct {
	Tasks         string `mapstructure:"tasks" validate:"required"`
	Notifications string `mapstructure:"notifications" validate:"required"`
	DeadLetter    string `mapstructure:"dead_letter"`
}

// ConsumerConfig contains task processor settings.
type ConsumerConfig struct {
	Prefetch        int           `mapstructure:"prefetch" validate:"required,gt=0"`
	ProcessingDelay time.Duration `mapstructure:"processing_delay" validate:"gte=0"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout" validate:"required,gt=0"`

	// MaxDeliveries is the number of processing attempts before a message is
	// moved to the dead-letter queue. Zero disables dead-lettering.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"gte=0"`
}

// ServerConfig contains the producer's HTTP ingress settings.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"required,gt=0,lt=65536"`
}

// AuthConfig contains bearer-token verification settings for the ingress.
// An empty secret disables authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// DatabaseConfig points the consumer at its delivery log.
// An empty URL keeps delivery tracking in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// Declared returns the queues a broker connection declares on connect.
func (q QueueConfig) Declared() []string {
	queues := []string{q.Tasks, q.Notifications}
	if q.DeadLetter != "" {
		queues = append(queues, q.DeadLetter)
	}
	return queues
}
