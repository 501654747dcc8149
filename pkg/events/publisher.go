// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/minio/sha256-simd"
	"github.com/redis/go-redis/v9"

	"github.com/LeeDigitalWorks/zapload/pkg/transport"
)

// Publisher delivers events to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// RedisPublisher publishes events on Redis pub/sub.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisPublisher publishes through an existing client, which it does not close.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// DialRedisPublisher opens a dedicated client from cfg.
func DialRedisPublisher(cfg RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisPublisher{client: client, channel: cfg.Channel, owned: true}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Channel returns the channel an event type is published on.
func (p *RedisPublisher) Channel(t EventType) string {
	return p.channel + ":" + string(t)
}

func (p *RedisPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(ev.Type), data).Err()
}

func (p *RedisPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

// WebhookPublisher POSTs events as JSON to a URL.
type WebhookPublisher struct {
	url       string
	secret    []byte
	userAgent string
	transport *transport.Transport
}

func NewWebhookPublisher(cfg WebhookConfig) *WebhookPublisher {
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return &WebhookPublisher{
		url:       cfg.URL,
		secret:    []byte(cfg.Secret),
		userAgent: cfg.UserAgent,
		transport: transport.New(transport.Config{
			Retries:    retries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.Timeout,
		}),
	}
}

func (p *WebhookPublisher) Name() string { return "webhook" }

func (p *WebhookPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", p.userAgent)
	header.Set("X-Zapload-Event", string(ev.Type))
	header.Set("X-Zapload-Event-Id", ev.ID)
	if len(p.secret) > 0 {
		header.Set("X-Zapload-Signature", "sha256="+Sign(p.secret, data))
	}

	resp, err := p.transport.Do(ctx, transport.Request{
		Method:        http.MethodPost,
		URL:           p.url,
		Header:        header,
		Body:          bytes.NewReader(data),
		ContentLength: int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	resp.Discard()
	return nil
}

func (p *WebhookPublisher) Close() error { return nil }

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
