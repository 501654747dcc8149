// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// RedisConfig configures the redis MetaStore.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`

	KeyPrefix string `mapstructure:"key_prefix"`
	// TTL expires idle records; zero keeps them until deleted.
	TTL time.Duration `mapstructure:"ttl"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "zapload:session:",
		TTL:       7 * 24 * time.Hour,
	}
}

// Redis stores sessions as JSON strings.
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
}

// NewRedis connects using cfg and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &Redis{client: client, config: cfg}
}

// Client exposes the underlying connection so a Locker can share it.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) key(id string) string {
	return r.config.KeyPrefix + id
}

func (r *Redis) Get(ctx context.Context, id string) (*types.Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "read session")
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *Redis) Save(ctx context.Context, s *types.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.config.TTL).Err(); err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "save session")
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, id string) error {
	var (
		ok  bool
		err error
	)
	if r.config.TTL > 0 {
		ok, err = r.client.Expire(ctx, r.key(id), r.config.TTL).Result()
	} else {
		var n int64
		n, err = r.client.Exists(ctx, r.key(id)).Result()
		ok = n > 0
	}
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "touch session")
	}
	if !ok {
		return notFound(id)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "delete session")
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]*types.Session, error) {
	var out []*types.Session
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "list sessions")
		}
		var s types.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", iter.Val(), err)
		}
		out = append(out, &s)
	}
	if err := iter.Err(); err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "list sessions")
	}
	sortSessions(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
