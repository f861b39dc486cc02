package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

/* Configuration is read from the environment, optionally merged with a
 * .env file in the working directory
 * Every knob has a default so the pipeline can start with nothing but
 * PAYMENT_SIGNING_SECRETS set
 */

type Config struct {
	Port string `mapstructure:"PORT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Space-delimited whsec_ secrets; more than one enables rotation
	SigningSecrets            string `mapstructure:"PAYMENT_SIGNING_SECRETS"`
	SignatureToleranceSeconds int    `mapstructure:"SIGNATURE_TOLERANCE_SECONDS"`

	MaxRetries            int `mapstructure:"MAX_RETRIES"`
	BaseBackoffSeconds    int `mapstructure:"BASE_BACKOFF_SECONDS"`
	MaxBackoffSeconds     int `mapstructure:"MAX_BACKOFF_SECONDS"`
	HandlerTimeoutSeconds int `mapstructure:"HANDLER_TIMEOUT_SECONDS"`

	WorkerConcurrency   int `mapstructure:"WORKER_CONCURRENCY"`
	WorkerRatePerSecond int `mapstructure:"WORKER_RATE_PER_SECOND"`
	SweepAfterSeconds   int `mapstructure:"SWEEP_AFTER_SECONDS"`
	SweepLimit          int `mapstructure:"SWEEP_LIMIT"`

	AlertLimit         int    `mapstructure:"ALERT_LIMIT"`
	AlertWindowSeconds int    `mapstructure:"ALERT_WINDOW_SECONDS"`
	AlertRecipients    string `mapstructure:"ALERT_RECIPIENTS"` // comma-delimited

	// Optional per-event-type rules file; empty disables rules
	RulesFile string `mapstructure:"RULES_FILE"`

	InProcessQueueSize int `mapstructure:"INPROCESS_QUEUE_SIZE"`
}

func GetConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("PAYMENT_SIGNING_SECRETS", "")
	viper.SetDefault("SIGNATURE_TOLERANCE_SECONDS", 300)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("BASE_BACKOFF_SECONDS", 5)
	viper.SetDefault("MAX_BACKOFF_SECONDS", 600)
	viper.SetDefault("HANDLER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_RATE_PER_SECOND", 50)
	viper.SetDefault("SWEEP_AFTER_SECONDS", 300)
	viper.SetDefault("SWEEP_LIMIT", 500)
	viper.SetDefault("ALERT_LIMIT", 3)
	viper.SetDefault("ALERT_WINDOW_SECONDS", 300)
	viper.SetDefault("ALERT_RECIPIENTS", "")
	viper.SetDefault("RULES_FILE", "")
	viper.SetDefault("INPROCESS_QUEUE_SIZE", 1024)

	if err := viper.ReadInConfig(); err != nil {
		// The .env file is optional; the environment alone is enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	return &config, nil
}

// Secrets returns the configured signing secrets, space-delimited
func (c *Config) Secrets() []string {
	return strings.Fields(c.SigningSecrets)
}

// Recipients returns the alert recipient addresses
func (c *Config) Recipients() []string {
	var out []string
	for _, r := range strings.Split(c.AlertRecipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (c *Config) SignatureTolerance() time.Duration {
	return time.Duration(c.SignatureToleranceSeconds) * time.Second
}

func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

func (c *Config) SweepAfter() time.Duration {
	return time.Duration(c.SweepAfterSeconds) * time.Second
}

func (c *Config) AlertWindow() time.Duration {
	return time.Duration(c.AlertWindowSeconds) * time.Second
}
