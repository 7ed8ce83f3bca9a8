package gateway

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stellarlinkco/ambient/internal/clock"
)

type BreakerConfig struct {
	Threshold int
	Window    time.Duration
	Cooloff   time.Duration
	Jitter    time.Duration
}

// BreakerState is a snapshot for status reporting.
type BreakerState struct {
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"openUntil,omitempty"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
}

// Breaker opens after Threshold failures inside a sliding Window and stays
// open for Cooloff plus a random share of Jitter.
type Breaker struct {
	cfg    BreakerConfig
	clock  clock.Clock
	jitter func(max time.Duration) time.Duration

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
	trips     int
}

func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &Breaker{cfg: cfg, clock: clk, jitter: randomJitter}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Allow reports whether an attempt may proceed. An expired open period
// resets the breaker.
func (b *Breaker) Allow() bool {
	return b.Remaining() == 0
}

// Remaining is how long the breaker stays open.
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return 0
	}
	now := b.clock.Now()
	if !now.Before(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = nil
		return 0
	}
	return b.openUntil.Sub(now)
}

// Failure records a failed attempt and reports whether it opened the
// breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return false
	}
	b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) < b.cfg.Threshold {
		return false
	}
	b.openUntil = now.Add(b.cfg.Cooloff + b.jitter(b.cfg.Jitter))
	b.failures = nil
	b.trips++
	return true
}

// Success clears the failure window.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.prune(now)
	open := !b.openUntil.IsZero() && now.Before(b.openUntil)
	st := BreakerState{Open: open, Failures: len(b.failures), Trips: b.trips}
	if open {
		st.OpenUntil = b.openUntil
	}
	return st
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	keep := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.failures = keep
}
