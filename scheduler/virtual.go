// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic scheduler for tests: Now never advances except
// through an explicit call to Advance, and Schedule'd tasks only fire once
// Advance crosses their deadline. Go still runs on a real goroutine, since
// it models background work (e.g. the bulk-provider call) rather than a
// timer a test wants to control directly.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*virtualTimer
	seq     uint64
}

type virtualTimer struct {
	deadline time.Time
	seq      uint64
	task     func()
	fired    bool
	canceled bool
}

// NewVirtual creates a virtual scheduler with the given starting instant.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Go(task func()) {
	go task()
}

func (v *Virtual) Schedule(after time.Duration, task func()) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	t := &virtualTimer{
		deadline: v.now.Add(after),
		seq:      v.seq,
		task:     task,
	}
	v.pending = append(v.pending, t)

	return handleFunc(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		t.canceled = true
	})
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the virtual clock forward by d, firing (in deadline order,
// ties broken by schedule order) every timer whose deadline falls at or
// before the new instant. Tasks run synchronously on the calling goroutine,
// so callers that need fired tasks to interleave with other goroutines
// should keep d small and call Advance repeatedly.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	target := v.now

	var due []*virtualTimer
	var rest []*virtualTimer
	for _, t := range v.pending {
		if !t.fired && !t.canceled && !t.deadline.After(target) {
			due = append(due, t)
		} else if !t.fired && !t.canceled {
			rest = append(rest, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.fired = true
	}
	v.pending = rest
	v.mu.Unlock()

	for _, t := range due {
		t.task()
	}
}
