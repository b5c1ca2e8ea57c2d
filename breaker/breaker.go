// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a sliding-window, failure-rate circuit breaker
// shared by every operation a resilient cache wraps. Unlike a
// consecutive-failure counter, tripping is decided from the ratio of
// failures to calls observed over a fixed-size window, so a breaker
// protecting a flaky-but-not-dead dependency does not trip on a single
// unlucky streak once call volume is high enough.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/batchflow/collapser/metricid"
	"github.com/batchflow/collapser/scheduler"
	"go.uber.org/zap"
)

// State is one of the three circuit states.
type State int

const (
	// Closed lets every call through and feeds the sliding window.
	Closed State = iota
	// Open rejects every call without invoking the protected function.
	Open
	// HalfOpen lets a bounded number of trial calls through to probe
	// recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCallNotPermitted is returned by Run when the breaker is Open, or when
// it is HalfOpen and the trial-call budget is exhausted.
var ErrCallNotPermitted = errors.New("breaker: call not permitted")

// Config parameterizes a Breaker. Zero-value fields are filled with the
// defaults documented below.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// WindowSize is the number of most recent call outcomes the failure
	// rate is computed over. Default 100.
	WindowSize int

	// MinimumCalls is the number of outcomes that must be present in the
	// window before FailureRateThreshold is evaluated; below this, the
	// breaker never trips from Closed regardless of failure rate.
	// Default 10.
	MinimumCalls int

	// FailureRateThreshold is the fraction of failing calls in the
	// window (0, 1] that trips the breaker from Closed to Open. Default
	// 0.5.
	FailureRateThreshold float64

	// OpenTimeout is how long the breaker stays Open before allowing a
	// HalfOpen trial. Default 30s.
	OpenTimeout time.Duration

	// HalfOpenTrialCalls is the number of calls permitted through while
	// HalfOpen. If all succeed the breaker closes; any failure reopens
	// it. Default 5.
	HalfOpenTrialCalls int

	// Scheduler supplies the clock used for OpenTimeout. Defaults to
	// scheduler.Real().
	Scheduler scheduler.Scheduler

	// Metrics, if non-nil, receives the breaker's call-outcome gauges
	// under ID.
	Metrics *metricid.Registry
	ID      metricid.ID

	// Logger receives state-transition events. Defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 10
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenTrialCalls <= 0 {
		c.HalfOpenTrialCalls = 5
	}
	if c.Scheduler == nil {
		c.Scheduler = scheduler.Real()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Breaker wraps calls to an unreliable dependency, rejecting them outright
// once the recent failure rate crosses a threshold.
type Breaker struct {
	cfg Config

	mu sync.Mutex

	state        State
	window       []bool // true = success, ring buffer
	windowFilled int
	windowPos    int

	openedAt time.Time

	halfOpenCalls     int
	halfOpenFailed    bool
	halfOpenSucceeded int

	successTotal  float64
	failureTotal  float64
	rejectedTotal float64
}

// New constructs a Breaker starting Closed.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{
		cfg:    cfg,
		state:  Closed,
		window: make([]bool, cfg.WindowSize),
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run invokes fn if the breaker currently permits a call, recording the
// outcome against the sliding window. It returns ErrCallNotPermitted
// without invoking fn if the breaker is Open (or HalfOpen with its trial
// budget exhausted).
func (b *Breaker) Run(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		b.mu.Lock()
		b.rejectedTotal++
		b.mu.Unlock()
		b.recordGauges()
		return ErrCallNotPermitted
	}

	err := fn(ctx)

	b.recordOutcome(err == nil)
	b.recordGauges()
	return err
}

// allow decides, under lock, whether a call may proceed, performing the
// Open -> HalfOpen transition if OpenTimeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.cfg.Scheduler.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.transitionLocked(HalfOpen)
		b.halfOpenCalls = 1
		return true
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenTrialCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return false
	}
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.successTotal++
	} else {
		b.failureTotal++
	}

	switch b.state {
	case HalfOpen:
		if !success {
			b.halfOpenFailed = true
			b.transitionLocked(Open)
			b.openedAt = b.cfg.Scheduler.Now()
			return
		}
		b.halfOpenSucceeded++
		if b.halfOpenSucceeded >= b.cfg.HalfOpenTrialCalls {
			b.transitionLocked(Closed)
			b.resetWindowLocked()
		}
	case Closed:
		b.window[b.windowPos] = success
		b.windowPos = (b.windowPos + 1) % len(b.window)
		if b.windowFilled < len(b.window) {
			b.windowFilled++
		}
		if b.windowFilled >= b.cfg.MinimumCalls && b.failureRateLocked() >= b.cfg.FailureRateThreshold {
			b.transitionLocked(Open)
			b.openedAt = b.cfg.Scheduler.Now()
		}
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if b.windowFilled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.windowFilled; i++ {
		if !b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowFilled)
}

func (b *Breaker) resetWindowLocked() {
	b.windowFilled = 0
	b.windowPos = 0
	b.halfOpenCalls = 0
	b.halfOpenFailed = false
	b.halfOpenSucceeded = 0
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == HalfOpen || to == Closed {
		b.halfOpenCalls = 0
		b.halfOpenSucceeded = 0
		b.halfOpenFailed = false
	}
	b.cfg.Logger.Info("breaker state transition",
		zap.String("breaker", b.cfg.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (b *Breaker) recordGauges() {
	if b.cfg.Metrics == nil {
		return
	}
	b.mu.Lock()
	s, f, r := b.successTotal, b.failureTotal, b.rejectedTotal
	b.mu.Unlock()

	b.cfg.Metrics.Record(b.cfg.ID, "circuit.successful", metricid.KindGauge, s)
	b.cfg.Metrics.Record(b.cfg.ID, "circuit.failed", metricid.KindGauge, f)
	b.cfg.Metrics.Record(b.cfg.ID, "circuit.rejected", metricid.KindGauge, r)
}
