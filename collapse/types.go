// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package collapse coalesces many concurrent single-item requests into
// bulk calls against a downstream provider, then demultiplexes the bulk
// reply back to each original caller. A Collapser buffers inbound items
// into batches bounded by size and max-wait, dispatches each closed batch
// to a user-supplied bulk provider under a bounded-concurrency gate, and
// matches returned values back to waiters with a user-supplied predicate.
package collapse

import (
	"context"
	"time"

	"github.com/batchflow/collapser/ctxprop"
)

// CloseReason records why a batch stopped accepting new items.
type CloseReason int

const (
	// SizeReached means the batch hit its configured batchSize.
	SizeReached CloseReason = iota
	// TimeExpired means the batch's maxWaitTime timer fired.
	TimeExpired
	// Cancelled means the collapser was cancelled while this batch was
	// still open; it was discarded, not dispatched.
	Cancelled
)

func (r CloseReason) String() string {
	switch r {
	case SizeReached:
		return "size_reached"
	case TimeExpired:
		return "time_expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the single signal a Subscribe callback or Apply channel
// receives: a value (Ok true), an empty completion (Ok false, Err nil), or
// an error (Err non-nil). Exactly one of these three shapes is delivered,
// exactly once, per subscription whose batch is dispatched and whose bulk
// call returns before the collapser is cancelled.
type Result[V any] struct {
	Value V
	Ok    bool
	Err   error
}

// BulkProvider invokes the downstream bulk call for an ordered batch of
// contexts, returning the ordered reply values. Must tolerate being
// invoked concurrently up to the configured maxConcurrency.
type BulkProvider[C any, V any] func(ctx context.Context, contexts []C) ([]V, error)

// ContextValueMatcher reports whether v is the reply value corresponding
// to context c. The executor scans unmatched items left-to-right per
// returned value, so the first context satisfying the matcher wins when
// more than one would.
type ContextValueMatcher[C any, V any] func(c C, v V) bool

// pendingItem is one caller's still-open subscription, held by the
// aggregator until its batch dispatches (or the collapser is cancelled,
// in which case it is silently abandoned: onResult is never invoked).
type pendingItem[C any, V any] struct {
	value       C
	submittedAt time.Time
	bridge      ctxprop.Bridge
	onResult    func(ctx context.Context, res Result[V])
}

// batch is the aggregator's single open group of items. It is owned
// exclusively by the collapser's loop goroutine; nothing else may touch
// its fields.
type batch[C any, V any] struct {
	items     []*pendingItem[C, V]
	createdAt time.Time
}
