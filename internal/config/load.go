package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment.
const EnvPrefix = "TASKPIPE"

// legacyEnv binds the variable names the task services have always used.
// The prefixed name wins when both are set.
var legacyEnv = map[string]string{
	"broker.host":     "RABBITMQ_HOST",
	"broker.user":     "RABBITMQ_USER",
	"broker.password": "RABBITMQ_PASSWORD",
	"database.url":    "DATABASE_URL",
}

// Load reads configuration from ./config.yaml (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from the given file and the environment.
// Environment variables take precedence over values from the file.
// An empty path looks for an optional config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("broker.host", "rabbitmq")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.user", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.retry_interval", "5s")
	v.SetDefault("broker.max_retry_interval", "5s")
	v.SetDefault("broker.max_sync_attempts", 5)
	v.SetDefault("broker.operation_timeout", "5s")

	v.SetDefault("queues.tasks", "tasks_queue")
	v.SetDefault("queues.notifications", "notifications_queue")
	v.SetDefault("queues.dead_letter", "tasks_queue.dead-letter")

	v.SetDefault("consumer.prefetch", 1)
	v.SetDefault("consumer.processing_delay", "500ms")
	v.SetDefault("consumer.handler_timeout", "30s")
	v.SetDefault("consumer.max_deliveries", 10)

	v.SetDefault("server.port", 8080)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("database.url", "")
}
