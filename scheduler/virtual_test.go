// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualDoesNotFireBeforeDeadline(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	v.Schedule(100*time.Millisecond, func() { fired = true })

	v.Advance(50 * time.Millisecond)
	assert.False(t, fired)

	v.Advance(50 * time.Millisecond)
	assert.True(t, fired)
}

func TestVirtualFiresInDeadlineThenScheduleOrder(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	var order []int

	v.Schedule(20*time.Millisecond, func() { order = append(order, 2) })
	v.Schedule(10*time.Millisecond, func() { order = append(order, 1) })
	v.Schedule(10*time.Millisecond, func() { order = append(order, 3) }) // same deadline, later seq

	v.Advance(20 * time.Millisecond)

	require.Equal(t, []int{1, 3, 2}, order)
}

func TestVirtualCancelPreventsFiring(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	handle := v.Schedule(10*time.Millisecond, func() { fired = true })
	handle.Cancel()

	v.Advance(20 * time.Millisecond)
	assert.False(t, fired)
}

func TestVirtualNowAdvancesByExactDelta(t *testing.T) {
	start := time.Unix(100, 0)
	v := NewVirtual(start)
	v.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), v.Now())
}
