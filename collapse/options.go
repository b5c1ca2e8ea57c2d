// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package collapse

import (
	"time"

	"github.com/batchflow/collapser/metricid"
	"github.com/batchflow/collapser/scheduler"
	"go.uber.org/zap"
)

type config[C any, V any] struct {
	batchSize       int
	maxWaitTime     time.Duration
	maxConcurrency  int64
	bulkProvider    BulkProvider[C, V]
	matcher         ContextValueMatcher[C, V]
	scheduler       scheduler.Scheduler
	batchScheduler  scheduler.Scheduler
	emitScheduler   scheduler.Scheduler
	metrics         *metricid.Registry
	id              metricid.ID
	logger          *zap.Logger
	newItemCapacity int
}

func defaultConfig[C any, V any]() config[C, V] {
	return config[C, V]{
		batchSize:       1,
		maxConcurrency:  1,
		newItemCapacity: 64,
		logger:          zap.NewNop(),
	}
}

// Option configures a Collapser at construction time.
type Option[C any, V any] func(*config[C, V])

// WithBulkProvider sets the required downstream bulk call.
func WithBulkProvider[C any, V any](p BulkProvider[C, V]) Option[C, V] {
	return func(c *config[C, V]) { c.bulkProvider = p }
}

// WithContextValueMatcher sets the required reply-to-waiter predicate.
func WithContextValueMatcher[C any, V any](m ContextValueMatcher[C, V]) Option[C, V] {
	return func(c *config[C, V]) { c.matcher = m }
}

// WithBatchSize sets the item count that triggers an immediate dispatch.
// Default 1.
func WithBatchSize[C any, V any](n int) Option[C, V] {
	return func(c *config[C, V]) { c.batchSize = n }
}

// WithMaximumWaitTime sets the required max-wait timer duration armed on
// a batch's first item.
func WithMaximumWaitTime[C any, V any](d time.Duration) Option[C, V] {
	return func(c *config[C, V]) { c.maxWaitTime = d }
}

// WithBatchMaxConcurrency bounds the number of bulk-provider calls in
// flight at once. Default 1.
func WithBatchMaxConcurrency[C any, V any](n int64) Option[C, V] {
	return func(c *config[C, V]) { c.maxConcurrency = n }
}

// WithScheduler sets the collapser scheduler, which arms max-wait timers
// and supplies the timestamps for the item metrics. Batch membership is
// serialized by the collapser's own loop goroutine, not by this scheduler.
// Defaults to scheduler.Real().
func WithScheduler[C any, V any](s scheduler.Scheduler) Option[C, V] {
	return func(c *config[C, V]) { c.scheduler = s }
}

// WithBatchScheduler sets the scheduler that dispatches bulk-provider
// calls. Defaults to scheduler.Real().
func WithBatchScheduler[C any, V any](s scheduler.Scheduler) Option[C, V] {
	return func(c *config[C, V]) { c.batchScheduler = s }
}

// WithEmitScheduler sets the scheduler that fans results back out to
// waiters. Defaults to scheduler.Real().
func WithEmitScheduler[C any, V any](s scheduler.Scheduler) Option[C, V] {
	return func(c *config[C, V]) { c.emitScheduler = s }
}

// WithMetrics binds a metric registry and identity to this collapser's
// observables (item.pending, batch.size, item.delay, item.completion).
func WithMetrics[C any, V any](reg *metricid.Registry, id metricid.ID) Option[C, V] {
	return func(c *config[C, V]) { c.metrics = reg; c.id = id }
}

// WithLogger sets the logger used for diagnostics (unmatched values,
// contract violations). Defaults to a no-op logger.
func WithLogger[C any, V any](l *zap.Logger) Option[C, V] {
	return func(c *config[C, V]) { c.logger = l }
}
