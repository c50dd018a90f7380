// Package ratelimit throttles outbound requests to a single mint endpoint so
// a wallet driving several operations concurrently (restore, subscription
// reconnects, a user mashing "send") never looks like abuse to the mint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures one endpoint's limiter. BurstCapacity tokens refill
// linearly over TimeWindow, and MaxRequests is a hard ceiling on requests
// admitted within any TimeWindow-long sliding window, independent of how
// many tokens are available.
type Config struct {
	MaxRequests   int
	TimeWindow    time.Duration
	BurstCapacity int
}

// DefaultConfig is used for any endpoint a wallet.Config doesn't explicitly
// size a rate_limit entry for.
func DefaultConfig() Config {
	return Config{
		MaxRequests:   240,
		TimeWindow:    time.Minute,
		BurstCapacity: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = d.TimeWindow
	}
	if c.BurstCapacity <= 0 {
		c.BurstCapacity = d.BurstCapacity
	}
	return c
}

// Observation is a point-in-time read of a Limiter's admission state,
// exposed so callers (and tests) can assert on rate-limiting behavior
// without racing the clock against Wait.
type Observation struct {
	TokensAvailable float64
	RequestsUsed    int
	PercentUsed     float64
	IsLimited       bool
}

// Limiter combines a token bucket (steady refill + burst) with a sliding
// window counter (hard cap per window) for one endpoint.
type Limiter struct {
	cfg    Config
	bucket *rate.Limiter

	mu     sync.Mutex
	events []time.Time
}

// New builds a Limiter for cfg. Zero-valued fields in cfg fall back to
// DefaultConfig, so callers can size only the fields spec §6's
// Config.rate_limit actually sets.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	refillPerSecond := float64(cfg.BurstCapacity) / cfg.TimeWindow.Seconds()
	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(refillPerSecond), cfg.BurstCapacity),
	}
}

// Wait blocks until both the token bucket and the sliding window admit one
// more request, or ctx is done. The token bucket (rate.Limiter) reserves
// tokens in call order; waitWindow does not queue its waiters, so callers
// blocked on a full sliding window are not admitted in arrival order.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.waitWindow(ctx); err != nil {
		return err
	}
	return l.bucket.Wait(ctx)
}

// Observe reports the limiter's current admission state without consuming a
// token or waiting, per spec's
// (tokens_available, requests_used, percent_used, is_limited) observability
// contract.
func (l *Limiter) Observe() Observation {
	now := time.Now()

	l.mu.Lock()
	l.evictLocked(now)
	used := len(l.events)
	l.mu.Unlock()

	tokens := l.bucket.TokensAt(now)
	if tokens > float64(l.cfg.BurstCapacity) {
		tokens = float64(l.cfg.BurstCapacity)
	}

	percentUsed := float64(used) / float64(l.cfg.MaxRequests) * 100
	isLimited := tokens < 1 || used >= l.cfg.MaxRequests

	return Observation{
		TokensAvailable: tokens,
		RequestsUsed:    used,
		PercentUsed:     percentUsed,
		IsLimited:       isLimited,
	}
}

func (l *Limiter) waitWindow(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.evictLocked(now)

		if len(l.events) < l.cfg.MaxRequests {
			l.events = append(l.events, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.cfg.TimeWindow - now.Sub(l.events[0])
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.TimeWindow)
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].After(cutoff) {
			break
		}
	}
	l.events = l.events[i:]
}
