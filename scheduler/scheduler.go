// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler provides the time and task-dispatch abstraction shared
// by the collapser and resilient cache. Every asynchronous hop in this
// module goes through a Scheduler so that tests can drive timers
// deterministically instead of sleeping on the wall clock.
package scheduler

import "time"

// Handle cancels a scheduled task. Cancel is idempotent and safe to call
// after the task has already run.
type Handle interface {
	Cancel()
}

// Scheduler runs tasks, either immediately (Go) or after a delay (Schedule).
// Now reports the scheduler's own notion of the current instant, which lets
// a virtual-time implementation stay self-consistent with its own timers.
type Scheduler interface {
	// Go runs task on the scheduler, asynchronously with respect to the
	// caller.
	Go(task func())

	// Schedule arms task to run once after is elapses. The returned
	// Handle cancels the task if it has not yet fired.
	Schedule(after time.Duration, task func()) Handle

	// Now returns the scheduler's current instant.
	Now() time.Time
}

type handleFunc func()

func (h handleFunc) Cancel() { h() }
