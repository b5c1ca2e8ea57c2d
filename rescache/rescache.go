// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package rescache wraps a key/value cache delegate with a per-operation
// timeout and a shared circuit breaker, so a slow or failing backend
// degrades a caller's latency and error rate predictably instead of
// blocking it indefinitely.
package rescache

import (
	"context"
	"errors"
	"time"

	"github.com/batchflow/collapser/breaker"
	"github.com/batchflow/collapser/metricid"
	"go.uber.org/zap"
)

// ErrTimeout is returned when an operation does not complete within its
// configured timeout.
var ErrTimeout = errors.New("rescache: operation timed out")

// Delegate is the backend a Cache wraps. Get returns (nil, false, nil) for
// a miss, not an error.
type Delegate interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config parameterizes a Cache.
type Config struct {
	// Name identifies this cache in logs and metrics.
	Name string

	// Timeout bounds every Get and Put call. Default 200ms.
	Timeout time.Duration

	// Breaker guards calls to Delegate. If nil, a default-configured
	// Breaker is created.
	Breaker *breaker.Breaker

	Metrics *metricid.Registry
	ID      metricid.ID

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 200 * time.Millisecond
	}
	if c.Breaker == nil {
		c.Breaker = breaker.New(breaker.Config{Name: c.Name, Metrics: c.Metrics, ID: c.ID})
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Cache composes a Delegate with a timeout operator and a circuit breaker:
// every call runs as delegate.op -> withTimeout(d) -> breaker.Run.
type Cache struct {
	cfg      Config
	delegate Delegate
}

// New builds a Cache wrapping delegate with cfg's timeout and breaker.
func New(delegate Delegate, cfg Config) *Cache {
	cfg.setDefaults()
	return &Cache{cfg: cfg, delegate: delegate}
}

// Get retrieves key, returning (nil, false, nil) on a cache miss. A timeout
// or breaker rejection is returned as an error; the caller decides whether
// to treat that as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var hit bool

	err := c.cfg.Breaker.Run(ctx, func(ctx context.Context) error {
		return withTimeout(ctx, c.cfg.Timeout, c.cfg.Metrics, c.cfg.ID, "get", func(ctx context.Context) error {
			v, found, err := c.delegate.Get(ctx, key)
			if err != nil {
				return err
			}
			value, hit = v, found
			return nil
		})
	})
	if err != nil {
		c.cfg.Logger.Debug("rescache get failed",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	return value, hit, nil
}

// Put stores value under key with the given ttl.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.cfg.Breaker.Run(ctx, func(ctx context.Context) error {
		return withTimeout(ctx, c.cfg.Timeout, c.cfg.Metrics, c.cfg.ID, "put", func(ctx context.Context) error {
			return c.delegate.Put(ctx, key, value, ttl)
		})
	})
	if err != nil {
		c.cfg.Logger.Debug("rescache put failed",
			zap.String("cache", c.cfg.Name), zap.String("key", key), zap.Error(err))
	}
	return err
}

// withTimeout runs fn under a context bounded by d, returning ErrTimeout if
// ctx expires before fn returns, or if fn returns an error after ctx has
// expired. fn's context is cancelled at the deadline, but withTimeout does
// not wait for fn to return: a call that ignores its context may still be
// in flight against the backend, and its result is discarded.
func withTimeout(ctx context.Context, d time.Duration, reg *metricid.Registry, id metricid.ID, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err == nil || ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	if reg != nil {
		tagged := id
		tagged.Tags = append(append([]metricid.Tag{}, id.Tags...), metricid.Tag{Key: "operation", Value: op})
		hier, dim := tagged, tagged
		hier.EnableDimensional = false
		dim.EnableHierarchical = false
		reg.Record(hier, op+".timeout", metricid.KindCounter, 1)
		reg.Record(dim, "request.timeouts", metricid.KindCounter, 1)
	}
	return ErrTimeout
}
