// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealScheduleFiresAfterDelay(t *testing.T) {
	s := Real()
	done := make(chan struct{})
	s.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
}

func TestRealCancelPreventsFiring(t *testing.T) {
	s := Real()
	fired := make(chan struct{}, 1)
	handle := s.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	handle.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled task must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealGoRunsTaskAsynchronously(t *testing.T) {
	s := Real()
	done := make(chan struct{})
	s.Go(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestRealNowAdvances(t *testing.T) {
	s := Real()
	t1 := s.Now()
	time.Sleep(time.Millisecond)
	t2 := s.Now()
	assert.True(t, t2.After(t1))
}
