// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package collapse

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/batchflow/collapser/ctxprop"
	"github.com/batchflow/collapser/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intMatcher(c int, v string) bool {
	parsed, err := strconv.Atoi(v)
	return err == nil && parsed == c
}

// awaitResult blocks on ch for up to timeout, failing the test on
// expiration rather than hanging forever when a collapser misbehaves.
func awaitResult[V any](t *testing.T, ch <-chan Result[V], timeout time.Duration) Result[V] {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for collapser result")
		panic("unreachable")
	}
}

// batchSize=2, maxWait=100ms; submit 1 then 2; provider delays 50ms and
// returns ["2","1"]; each subscriber gets its own value back despite the
// reply being out of submission order.
func TestOutOfOrderReplyMatchesByPredicate(t *testing.T) {
	var callCount int
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			callCount++
			time.Sleep(50 * time.Millisecond)
			return []string{"2", "1"}, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](2),
		WithMaximumWaitTime[int, string](100*time.Millisecond),
	)
	defer c.Cancel()

	ch1 := c.Apply(context.Background(), 1)
	ch2 := c.Apply(context.Background(), 2)

	r1 := awaitResult(t, ch1, time.Second)
	r2 := awaitResult(t, ch2, time.Second)

	require.True(t, r1.Ok)
	require.True(t, r2.Ok)
	assert.Equal(t, "1", r1.Value)
	assert.Equal(t, "2", r2.Value)
	assert.Equal(t, 1, callCount)
}

// batchSize=2, submit a single context; the batch dispatches once maxWait
// elapses (driven here by a virtual clock), and no second dispatch occurs
// absent further arrivals.
func TestSoleItemDispatchesOnMaxWait(t *testing.T) {
	clock := scheduler.NewVirtual(time.Unix(0, 0))
	var callCount int
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			callCount++
			return []string{"1"}, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](2),
		WithMaximumWaitTime[int, string](100*time.Millisecond),
		WithScheduler[int, string](clock),
	)
	defer c.Cancel()

	ch := c.Apply(context.Background(), 1)

	select {
	case <-ch:
		t.Fatal("must not dispatch before maxWait elapses")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(100 * time.Millisecond)

	res := awaitResult(t, ch, time.Second)
	require.True(t, res.Ok)
	assert.Equal(t, "1", res.Value)

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, callCount, "no dispatch without further arrivals")
}

// A failing batch fans the same error to every waiter; a subsequent
// successful batch independently fulfills its waiters.
func TestProviderErrorFansOutThenSubsequentBatchSucceeds(t *testing.T) {
	probe := errors.New("boom")
	var fail = true
	var mu sync.Mutex
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, probe
			}
			out := make([]string, len(contexts))
			for i, ctxVal := range contexts {
				out[i] = strconv.Itoa(ctxVal)
			}
			return out, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](2),
		WithMaximumWaitTime[int, string](time.Second),
	)
	defer c.Cancel()

	ch1 := c.Apply(context.Background(), 1)
	ch2 := c.Apply(context.Background(), 2)

	r1 := awaitResult(t, ch1, time.Second)
	r2 := awaitResult(t, ch2, time.Second)
	assert.ErrorIs(t, r1.Err, probe)
	assert.ErrorIs(t, r2.Err, probe)

	mu.Lock()
	fail = false
	mu.Unlock()

	ch3 := c.Apply(context.Background(), 1)
	ch4 := c.Apply(context.Background(), 2)

	r3 := awaitResult(t, ch3, time.Second)
	r4 := awaitResult(t, ch4, time.Second)
	require.True(t, r3.Ok)
	require.True(t, r4.Ok)
	assert.Equal(t, "1", r3.Value)
	assert.Equal(t, "2", r4.Value)
}

// A reply missing a value leaves that waiter completing without a value,
// while the matched waiter still receives its value.
func TestUnmatchedItemCompletesWithoutValue(t *testing.T) {
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			return []string{"2"}, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](2),
		WithMaximumWaitTime[int, string](time.Second),
	)
	defer c.Cancel()

	ch1 := c.Apply(context.Background(), 1)
	ch2 := c.Apply(context.Background(), 2)

	r1 := awaitResult(t, ch1, time.Second)
	r2 := awaitResult(t, ch2, time.Second)

	assert.False(t, r1.Ok)
	assert.NoError(t, r1.Err)
	require.True(t, r2.Ok)
	assert.Equal(t, "2", r2.Value)
}

func TestNeverDispatchesAnEmptyBatch(t *testing.T) {
	clock := scheduler.NewVirtual(time.Unix(0, 0))
	var callCount int
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			callCount++
			return nil, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](5),
		WithMaximumWaitTime[int, string](50*time.Millisecond),
		WithScheduler[int, string](clock),
	)
	defer c.Cancel()

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, callCount)
}

func TestBatchSizeNeverExceedsConfiguredBound(t *testing.T) {
	var mu sync.Mutex
	var maxSeen int
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			mu.Lock()
			if len(contexts) > maxSeen {
				maxSeen = len(contexts)
			}
			mu.Unlock()
			out := make([]string, len(contexts))
			for i, ctxVal := range contexts {
				out[i] = strconv.Itoa(ctxVal)
			}
			return out, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](3),
		WithMaximumWaitTime[int, string](time.Second),
	)
	defer c.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			<-c.Apply(context.Background(), v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 3)
}

func TestCancelAbandonsOpenBatchWithoutDispatching(t *testing.T) {
	var callCount int
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			callCount++
			return []string{"1"}, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](5),
		WithMaximumWaitTime[int, string](time.Second),
	)

	ch := c.Apply(context.Background(), 1)
	c.Cancel()
	c.Cancel() // idempotent

	select {
	case <-ch:
		t.Fatal("abandoned item must not be fulfilled")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, callCount)
}

// Two concurrent subscribers carry distinct ambient diagnostic snapshots;
// each onResult callback must observe its own caller's snapshot, not the
// other's or none at all, after the batch dispatch/emit hop onto the
// collapser's schedulers.
func TestSubscribeReinstatesEachCallersOwnDiagnosticSnapshot(t *testing.T) {
	c := New[int, string](
		WithBulkProvider(func(ctx context.Context, contexts []int) ([]string, error) {
			out := make([]string, len(contexts))
			for i, ctxVal := range contexts {
				out[i] = strconv.Itoa(ctxVal)
			}
			return out, nil
		}),
		WithContextValueMatcher[int, string](intMatcher),
		WithBatchSize[int, string](2),
		WithMaximumWaitTime[int, string](time.Second),
	)
	defer c.Cancel()

	ctx1 := ctxprop.With(context.Background(), ctxprop.NewSnapshot(map[string]string{"request_id": "req-1"}))
	ctx2 := ctxprop.With(context.Background(), ctxprop.NewSnapshot(map[string]string{"request_id": "req-2"}))

	type observed struct {
		requestID string
		present   bool
	}
	results := make(chan observed, 2)

	c.Subscribe(ctx1, 1, func(resultCtx context.Context, res Result[string]) {
		snap, ok := ctxprop.From(resultCtx)
		id, _ := snap.Value("request_id")
		results <- observed{requestID: id, present: ok}
	})
	c.Subscribe(ctx2, 2, func(resultCtx context.Context, res Result[string]) {
		snap, ok := ctxprop.From(resultCtx)
		id, _ := snap.Value("request_id")
		results <- observed{requestID: id, present: ok}
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case obs := <-results:
			require.True(t, obs.present, "onResult must observe a reinstated snapshot")
			seen[obs.requestID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for onResult")
		}
	}
	assert.True(t, seen["req-1"])
	assert.True(t, seen["req-2"])
}
