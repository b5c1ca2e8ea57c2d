// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package rescache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v8"
)

// RedisDelegate is a reference Delegate backed by a single-node or cluster
// redis client. It is an adapter, not a mandated backend: any Delegate
// implementation composes with Cache the same way.
type RedisDelegate struct {
	client redis.UniversalClient
}

// NewRedisDelegate wraps an existing redis client. Callers own the
// client's lifecycle (construction and Close).
func NewRedisDelegate(client redis.UniversalClient) *RedisDelegate {
	return &RedisDelegate{client: client}
}

// NewRedisCache is a convenience constructor combining a single-node redis
// client, a RedisDelegate, and a Cache into one call.
func NewRedisCache(addr string, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return New(NewRedisDelegate(client), cfg), nil
}

// Get implements Delegate.
func (d *RedisDelegate) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Put implements Delegate. A ttl of zero means no expiration.
func (d *RedisDelegate) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return d.client.Set(ctx, key, value, ttl).Err()
}
