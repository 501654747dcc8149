// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package events delivers upload lifecycle notifications.
//
// Storage hooks hand sessions to an Emitter, which queues them and delivers
// each event to every configured publisher from a single background worker:
// - Redis publishes to "{channel}:{event type}"
// - Kafka sends to a topic keyed by upload id
// - Webhook POSTs the JSON event to a URL
package events

import (
	"time"
)

// Config holds event notification configuration.
type Config struct {
	// Enabled controls whether event emission is active.
	// When false, Emitter.Emit() is a no-op.
	Enabled bool `mapstructure:"enabled"`

	// Source identifies this server in every event (default: "zapload").
	Source string `mapstructure:"source"`

	// QueueSize bounds the number of undelivered events; further events are
	// dropped (default: 1024).
	QueueSize int `mapstructure:"queue_size"`

	// PublishTimeout bounds one delivery to one publisher (default: 10s).
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	Filter Filter `mapstructure:"filter"`

	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// Filter restricts which events are emitted. An empty filter passes everything.
type Filter struct {
	// Events are type patterns such as "upload.*" or "upload.completed".
	Events []string `mapstructure:"events"`
	// Prefix and Suffix match the stored object name.
	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`
}

// RedisConfig holds Redis publisher settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Channel is the channel prefix; events go to "{channel}:{type}"
	// (default: "zapload:events").
	Channel string `mapstructure:"channel"`

	PoolSize int `mapstructure:"pool_size"`
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`

	// Topic is the Kafka topic for events (default: "zapload-events").
	Topic string `mapstructure:"topic"`

	// RequiredAcks: 0=none, 1=leader, -1=all (default: 1).
	RequiredAcks int `mapstructure:"required_acks"`

	// Compression: "none", "gzip", "snappy", "lz4", "zstd" (default: "snappy").
	Compression string `mapstructure:"compression"`

	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	TLS           bool `mapstructure:"tls"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	SASL SASLConfig `mapstructure:"sasl"`
}

// SASLConfig authenticates the Kafka producer.
type SASLConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// WebhookConfig holds Webhook publisher settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`

	// Secret signs each body with HMAC-SHA256 in the X-Zapload-Signature
	// header when set.
	Secret string `mapstructure:"secret"`

	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Source:         "zapload",
		QueueSize:      1024,
		PublishTimeout: 10 * time.Second,
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Channel:  "zapload:events",
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Topic:        "zapload-events",
			RequiredAcks: 1,
			Compression:  "snappy",
			BatchSize:    100,
			BatchTimeout: time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			UserAgent:  "zapload/1.0",
		},
	}
}

// Validate checks the config and applies defaults for invalid values.
func (c *Config) Validate() {
	def := DefaultConfig()

	if c.Source == "" {
		c.Source = def.Source
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = def.Redis.Channel
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = def.Redis.PoolSize
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
	if c.Kafka.RequiredAcks < -1 || c.Kafka.RequiredAcks > 1 {
		c.Kafka.RequiredAcks = def.Kafka.RequiredAcks
	}
	if c.Kafka.Compression == "" {
		c.Kafka.Compression = def.Kafka.Compression
	}
	if c.Kafka.BatchSize <= 0 {
		c.Kafka.BatchSize = def.Kafka.BatchSize
	}
	if c.Kafka.BatchTimeout <= 0 {
		c.Kafka.BatchTimeout = def.Kafka.BatchTimeout
	}
	if c.Kafka.WriteTimeout <= 0 {
		c.Kafka.WriteTimeout = def.Kafka.WriteTimeout
	}

	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = def.Webhook.Timeout
	}
	if c.Webhook.MaxRetries < 0 {
		c.Webhook.MaxRetries = def.Webhook.MaxRetries
	}
	if c.Webhook.RetryDelay <= 0 {
		c.Webhook.RetryDelay = def.Webhook.RetryDelay
	}
	if c.Webhook.UserAgent == "" {
		c.Webhook.UserAgent = def.Webhook.UserAgent
	}
}

// HasPublishers returns true if at least one publisher is enabled.
func (c *Config) HasPublishers() bool {
	return c.Redis.Enabled || (c.Kafka.Enabled && len(c.Kafka.Brokers) > 0) || (c.Webhook.Enabled && c.Webhook.URL != "")
}
