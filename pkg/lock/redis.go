// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`

	// TTL is the lease length. Holders renew it every TTL/3 until unlock.
	TTL            time.Duration `mapstructure:"ttl"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:      "zapload:lock:",
		TTL:            30 * time.Second,
		RetryInterval:  50 * time.Millisecond,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}

// Redis is a Locker shared by every server pointing at the same redis.
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	return &Redis{client: client, config: cfg}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (r *Redis) Lock(ctx context.Context, id string) (Unlock, error) {
	key := r.config.KeyPrefix + id
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.config.AcquireTimeout)
	defer cancel()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.config.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, acquireError(id, ctx.Err())
			}
			return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "lock backend unavailable")
		}
		if ok {
			break
		}

		wait := time.NewTimer(utils.JitterUp(r.config.RetryInterval, 0.5))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, acquireError(id, ctx.Err())
		case <-wait.C:
		}
	}

	return r.hold(key, token), nil
}

func (r *Redis) hold(key, token string) Unlock {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.config.TTL / 3)
		defer ticker.Stop()
		ttl := r.config.TTL.Milliseconds()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.config.TTL/3)
				n, err := renewScript.Run(ctx, r.client, []string{key}, token, ttl).Int()
				cancel()
				if err != nil {
					log.Warn().Err(err).Str("key", key).Msg("lock renewal failed")
				} else if n == 0 {
					log.Warn().Str("key", key).Msg("lock lease lost")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				log.Warn().Err(err).Str("key", key).Msg("lock release failed")
			}
		})
	}
}

// Ping verifies the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}
