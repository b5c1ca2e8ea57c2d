// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package ctxprop carries a diagnostic context (request id, tenant, trace
// tags — whatever the caller wants correlated across an async hop) across
// the scheduler boundaries the collapser and resilient cache introduce.
//
// A subscriber's ambient diagnostic state does not survive a handoff to a
// different goroutine on its own, since it usually lives in a logging
// library's own thread-local or goroutine-local store. This package makes
// the propagation explicit instead: Capture reads the snapshot carried by a
// context.Context, With installs a snapshot onto a context.Context, and a
// Bridge reinstates it on the other side of the hop. The collapser captures
// a Bridge per pending item at Subscribe time and runs that item's result
// callback through it at emission time, so a caller's diagnostic state
// survives the batch hop even though dispatch itself runs detached from
// any one caller's context.
package ctxprop

import "context"

// Snapshot is an immutable copy of diagnostic key/value state captured at
// one point in a goroutine's lifetime.
type Snapshot struct {
	values map[string]string
}

// Capture reads the current snapshot out of ctx, returning the zero
// Snapshot if none has been installed.
func Capture(ctx context.Context) Snapshot {
	if snap, ok := From(ctx); ok {
		return snap
	}
	return Snapshot{}
}

// NewSnapshot builds a Snapshot from an explicit key/value map. The map is
// copied; mutating it after the call does not affect the Snapshot.
func NewSnapshot(values map[string]string) Snapshot {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

// Value returns the value for key and whether it was present.
func (s Snapshot) Value(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Values returns a defensive copy of the snapshot's key/value pairs.
func (s Snapshot) Values() map[string]string {
	cp := make(map[string]string, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

type contextKey struct{}

// With installs snap onto ctx, returning the derived context. A later From
// (or Capture) on that context, or any context derived from it, observes
// snap.
func With(ctx context.Context, snap Snapshot) context.Context {
	return context.WithValue(ctx, contextKey{}, snap)
}

// From reads back the Snapshot most recently installed with With. The
// second return is false if ctx carries no snapshot.
func From(ctx context.Context) (Snapshot, bool) {
	snap, ok := ctx.Value(contextKey{}).(Snapshot)
	return snap, ok
}

// Bridge reinstates a Snapshot captured on one goroutine onto work that
// runs on another. The collapser captures one Bridge per pending item and
// runs that item's result callback through it on the emit scheduler, so a
// caller's diagnostic state survives the hop even though batch dispatch and
// the provider call run detached from the caller's context.
type Bridge struct {
	snap Snapshot
}

// NewBridge captures ctx's current snapshot for later reinstatement.
func NewBridge(ctx context.Context) Bridge {
	return Bridge{snap: Capture(ctx)}
}

// Wrap returns a context derived from base with the bridged snapshot
// installed, for running task on the other side of an async hop.
func (b Bridge) Wrap(base context.Context) context.Context {
	return With(base, b.snap)
}

// Run installs the bridged snapshot onto base and invokes task with the
// resulting context. It is a convenience for the common "wrap then call
// immediately" pattern used when submitting work to a Scheduler.
func (b Bridge) Run(base context.Context, task func(context.Context)) {
	task(b.Wrap(base))
}
