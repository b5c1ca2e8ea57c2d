// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package collapse

import (
	"context"
	"sync"
	"time"

	"github.com/batchflow/collapser/ctxprop"
	"github.com/batchflow/collapser/metricid"
	"github.com/batchflow/collapser/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Collapser buffers per-item requests into batches and dispatches them to
// a bulk provider, demultiplexing the reply back to each caller. The zero
// value is not usable; construct with New.
type Collapser[C any, V any] struct {
	cfg config[C, V]
	sem *semaphore.Weighted

	newItem   chan *pendingItem[C, V]
	shutdownC chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup // aggregator loop + dispatch + emit goroutines, for graceful Wait
}

// New constructs a Collapser and starts its aggregator loop. bulkProvider
// and contextValueMatcher are required; New panics if either is missing,
// since a collapser with no way to produce or match replies can never
// fulfill a subscription.
func New[C any, V any](opts ...Option[C, V]) *Collapser[C, V] {
	cfg := defaultConfig[C, V]()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bulkProvider == nil {
		panic("collapse: WithBulkProvider is required")
	}
	if cfg.matcher == nil {
		panic("collapse: WithContextValueMatcher is required")
	}
	if cfg.batchSize < 1 {
		cfg.batchSize = 1
	}
	if cfg.maxConcurrency < 1 {
		cfg.maxConcurrency = 1
	}
	if cfg.scheduler == nil {
		cfg.scheduler = scheduler.Real()
	}
	if cfg.batchScheduler == nil {
		cfg.batchScheduler = scheduler.Real()
	}
	if cfg.emitScheduler == nil {
		cfg.emitScheduler = scheduler.Real()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	c := &Collapser[C, V]{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.maxConcurrency),
		newItem:   make(chan *pendingItem[C, V], cfg.newItemCapacity),
		shutdownC: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.loop()

	return c
}

// Subscribe enqueues value as a new pending item and invokes onResult
// exactly once, with a context carrying the diagnostic snapshot captured
// from ctx at subscription time, once the item's batch is dispatched and
// demultiplexed. If the collapser is cancelled before the item's batch
// dispatches, or while its batch's bulk call is in flight, onResult is
// never invoked (the item is abandoned). If ctx is
// cancelled before the item is even accepted into a batch, Subscribe
// returns without enqueuing and onResult is never invoked either.
func (c *Collapser[C, V]) Subscribe(ctx context.Context, value C, onResult func(context.Context, Result[V])) {
	item := &pendingItem[C, V]{
		value:       value,
		submittedAt: c.cfg.scheduler.Now(),
		bridge:      ctxprop.NewBridge(ctx),
		onResult:    onResult,
	}

	select {
	case c.newItem <- item:
	case <-ctx.Done():
	}
}

// Apply is Subscribe's channel form: it returns a channel that receives
// exactly one Result and is then closed, or that is never sent to nor
// closed if the item is abandoned per Subscribe's contract.
func (c *Collapser[C, V]) Apply(ctx context.Context, value C) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	c.Subscribe(ctx, value, func(_ context.Context, res Result[V]) {
		ch <- res
		close(ch)
	})
	return ch
}

// Cancel discards the current open batch without dispatching it and stops
// the aggregator loop. It is idempotent and process-global for this
// Collapser. Items already enqueued in the discarded batch are abandoned:
// their onResult is never invoked. In-flight bulk calls started before
// Cancel was invoked are allowed to complete; their results are discarded
// rather than demultiplexed.
func (c *Collapser[C, V]) Cancel() {
	c.closeOnce.Do(func() { close(c.shutdownC) })
}

// Wait blocks until the aggregator loop has exited and every in-flight
// bulk-provider call and emission this Collapser started has finished. The
// loop exits only on Cancel, so Wait returns only after Cancel has been
// called. Intended for graceful shutdown after Cancel.
func (c *Collapser[C, V]) Wait() {
	c.wg.Wait()
}

// loop is the single-writer aggregator: the only goroutine that ever
// mutates the current open batch or arms/cancels its timer. Serializing
// arrivals, size triggers, and time triggers onto one goroutine removes
// the need for locks on batch state, and resolves the race between a
// size-trigger and a time-trigger by construction — whichever event this
// select observes first simply runs first.
func (c *Collapser[C, V]) loop() {
	defer c.wg.Done()

	fireCh := make(chan uint64, 1)
	var timerHandle scheduler.Handle
	var generation uint64
	var current batch[C, V]

	armTimer := func() {
		generation++
		gen := generation
		timerHandle = c.cfg.scheduler.Schedule(c.cfg.maxWaitTime, func() {
			select {
			case fireCh <- gen:
			default:
			}
		})
	}
	stopTimer := func() {
		if timerHandle != nil {
			timerHandle.Cancel()
			timerHandle = nil
		}
	}

	for {
		select {
		case <-c.shutdownC:
			stopTimer()
			c.discard(&current)
			return

		case item := <-c.newItem:
			current.items = append(current.items, item)
			c.recordPending(len(current.items))
			if len(current.items) == 1 {
				current.createdAt = c.cfg.scheduler.Now()
				armTimer()
			}
			if len(current.items) >= c.cfg.batchSize {
				stopTimer()
				c.dispatch(current.items, SizeReached)
				current = batch[C, V]{}
			}

		case gen := <-fireCh:
			if gen != generation {
				continue // superseded by a size-triggered dispatch
			}
			timerHandle = nil
			if len(current.items) > 0 {
				c.dispatch(current.items, TimeExpired)
				current = batch[C, V]{}
			}
		}
	}
}

// discard abandons every item in b without invoking any onResult,
// implementing Cancel's documented discard-on-cancel behavior.
func (c *Collapser[C, V]) discard(b *batch[C, V]) {
	b.items = nil
}

// dispatch hands a closed batch to the executor: it acquires a
// concurrency-gate slot on the aggregator's own goroutine (so that batch
// dispatch order is preserved — a later batch cannot race ahead of an
// earlier one while both wait for a slot), then runs the bulk call and
// demultiplexing on the batch scheduler.
func (c *Collapser[C, V]) dispatch(items []*pendingItem[C, V], reason CloseReason) {
	c.cfg.logger.Debug("collapse: dispatching batch",
		zap.Int("batch_size", len(items)), zap.String("reason", reason.String()))
	c.recordBatchSize(len(items))

	contexts := make([]C, len(items))
	for i, it := range items {
		contexts[i] = it.value
	}

	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		c.failAll(items, err)
		return
	}

	c.wg.Add(1)
	c.cfg.batchScheduler.Go(func() {
		defer c.wg.Done()
		defer c.sem.Release(1)

		now := c.cfg.scheduler.Now()
		for _, it := range items {
			c.recordItemDelay(now.Sub(it.submittedAt))
		}

		values, err := c.cfg.bulkProvider(context.Background(), contexts)
		select {
		case <-c.shutdownC:
			return // cancelled while in flight: the reply is discarded
		default:
		}
		c.demux(items, values, err)
	})
}

// demux matches each returned value to the first unmatched item whose
// context satisfies the configured matcher, fulfilling it with that
// value. Any value matching nothing is logged and discarded; any item
// matching no value completes without a value.
func (c *Collapser[C, V]) demux(items []*pendingItem[C, V], values []V, err error) {
	if err != nil {
		c.failAll(items, err)
		return
	}

	if len(values) == 0 && len(items) > 0 {
		c.cfg.logger.Warn("collapse: bulk provider returned an empty reply for a non-empty batch",
			zap.Int("batch_size", len(items)))
	}

	matched := make([]bool, len(items))
	for _, v := range values {
		found := -1
		for i, it := range items {
			if matched[i] {
				continue
			}
			if c.cfg.matcher(it.value, v) {
				found = i
				break
			}
		}
		if found == -1 {
			c.cfg.logger.Debug("collapse: reply value matched no pending context, discarding")
			continue
		}
		matched[found] = true
		c.emit(items[found], Result[V]{Value: v, Ok: true})
	}

	for i, it := range items {
		if !matched[i] {
			c.emit(it, Result[V]{})
		}
	}
}

// failAll fans the same error out to every item in a batch, unchanged in
// kind, per the propagation policy: the same error object the provider
// raised is what each pending item observes.
func (c *Collapser[C, V]) failAll(items []*pendingItem[C, V], err error) {
	for _, it := range items {
		c.emit(it, Result[V]{Err: err})
	}
}

// emit hops the fulfillment onto the emit scheduler and runs the caller's
// onResult through the Bridge captured at subscription time, so the
// callback observes the caller's ambient diagnostic context rather than
// whatever happens to be active on the worker goroutine that produced the
// value.
func (c *Collapser[C, V]) emit(it *pendingItem[C, V], res Result[V]) {
	c.wg.Add(1)
	c.cfg.emitScheduler.Go(func() {
		defer c.wg.Done()

		now := c.cfg.scheduler.Now()
		c.recordItemCompletion(now.Sub(it.submittedAt))

		it.bridge.Run(context.Background(), func(emitCtx context.Context) {
			it.onResult(emitCtx, res)
		})
	})
}

func (c *Collapser[C, V]) recordPending(n int) {
	if c.cfg.metrics == nil {
		return
	}
	hier, dim := c.cfg.id, c.cfg.id
	hier.EnableDimensional = false
	dim.EnableHierarchical = false
	c.cfg.metrics.Record(hier, "item.pending", metricid.KindDistribution, float64(n))
	c.cfg.metrics.Record(dim, "pending", metricid.KindDistribution, float64(n))
}

func (c *Collapser[C, V]) recordBatchSize(n int) {
	if c.cfg.metrics == nil {
		return
	}
	c.cfg.metrics.Record(c.cfg.id, "batch.size", metricid.KindDistribution, float64(n))
}

func (c *Collapser[C, V]) recordItemDelay(d time.Duration) {
	if c.cfg.metrics == nil {
		return
	}
	c.cfg.metrics.Record(c.cfg.id, "item.delay", metricid.KindDistribution, float64(d.Milliseconds()))
}

func (c *Collapser[C, V]) recordItemCompletion(d time.Duration) {
	if c.cfg.metrics == nil {
		return
	}
	c.cfg.metrics.Record(c.cfg.id, "item.completion", metricid.KindDistribution, float64(d.Milliseconds()))
}
